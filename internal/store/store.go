// Package store defines the durable state owned by the poller: the dedup
// ledger of handled message fingerprints and the staging queue of drafts
// awaiting human approval. Backends live in store/sqlite and store/pg.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// fingerprintPrefixLen bounds how much of the message body feeds the
// fingerprint. Platforms occasionally re-deliver long bodies with trailing
// metadata differences; the prefix keeps the key stable.
const fingerprintPrefixLen = 80

// Fingerprint derives the dedup key for an inbound message from its
// conversation id and a prefix of the body.
func Fingerprint(conversationID, body string) string {
	if len(body) > fingerprintPrefixLen {
		body = body[:fingerprintPrefixLen]
	}
	sum := sha256.Sum256([]byte(conversationID + ":" + body))
	return hex.EncodeToString(sum[:])
}

// Ledger is the persistent set of already-handled message fingerprints.
// Implementations load the full set into memory at startup and flush
// synchronously on MarkSeen, so Seen never touches the backend.
type Ledger interface {
	Seen(fingerprint string) bool
	MarkSeen(fingerprint string) error
}

// StagedStatus is the lifecycle state of a staged reply.
type StagedStatus string

const (
	StatusPending  StagedStatus = "pending"
	StatusSent     StagedStatus = "sent"
	StatusRejected StagedStatus = "rejected"
)

// StagedReply is a held draft awaiting approval. It is never auto-sent;
// only external approval tooling transitions it out of pending.
type StagedReply struct {
	ID             string
	ConversationID string
	ContactID      string
	DraftContent   string
	Confidence     float64
	Platform       string // outbound channel: sms, email, voice
	Status         StagedStatus
	CreatedAt      time.Time
}

// Staging is the durable holding area for low-confidence drafts.
type Staging interface {
	// Enqueue stores a pending draft and returns its id.
	Enqueue(s StagedReply) (string, error)
	MarkSent(id string) error
	MarkRejected(id string) error
	ListPending() ([]StagedReply, error)
}

// Stores aggregates the backend instances sharing one connection.
type Stores struct {
	Ledger  Ledger
	Staging Staging

	closeFn func() error
}

// NewStores bundles backend instances with their shared close function.
func NewStores(ledger Ledger, staging Staging, closeFn func() error) *Stores {
	return &Stores{Ledger: ledger, Staging: staging, closeFn: closeFn}
}

// Close releases the underlying backend connection.
func (s *Stores) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}
