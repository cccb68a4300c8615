// Package crm wraps the conversation platform's HTTP API: listing recent
// conversations, fetching message history, and sending replies.
package crm

import (
	"errors"
	"fmt"
)

// Message directions as reported by the platform.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message types accepted by the send endpoint.
const (
	TypeSMS   = "SMS"
	TypeEmail = "Email"
)

// Conversation is one message thread tied to a contact.
// Read-only to this system; created and updated by the platform.
type Conversation struct {
	ID                   string `json:"id"`
	ContactID            string `json:"contactId"`
	Phone                string `json:"phone,omitempty"`
	Email                string `json:"email,omitempty"`
	LastMessageBody      string `json:"lastMessageBody"`
	LastMessageDirection string `json:"lastMessageDirection"`
	UnreadCount          int    `json:"unreadCount"`
}

// Message is a single turn in a conversation, immutable once fetched.
type Message struct {
	Direction string `json:"direction"`
	Body      string `json:"body"`
	DateAdded string `json:"dateAdded,omitempty"`
}

type conversationListResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type messageListResponse struct {
	Messages struct {
		Messages []Message `json:"messages"`
	} `json:"messages"`
}

type sendMessageRequest struct {
	Type      string `json:"type"`
	ContactID string `json:"contactId"`
	Message   string `json:"message"`
}

type sendMessageResponse struct {
	MessageID string `json:"messageId"`
}

// ErrorKind categorizes API failures so callers can branch without
// inspecting status codes.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"         // 401/403, credentials rejected
	KindNotFound    ErrorKind = "not_found"    // 404
	KindRateLimited ErrorKind = "rate_limited" // 429
	KindTransient   ErrorKind = "transient"    // timeouts, 5xx
	KindMalformed   ErrorKind = "malformed"    // response body didn't match the expected shape
)

// APIError is the typed error returned for all non-2xx responses and
// malformed payloads.
type APIError struct {
	Kind   ErrorKind
	Status int
	Op     string
	Err    error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crm %s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("crm %s: %s (status %d)", e.Op, e.Kind, e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsKind reports whether err is an *APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
