package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RateGuard blocks until an outbound call to the platform is allowed.
// Satisfied by poller.RateLimiter; nil means no limiting.
type RateGuard interface {
	Guard(ctx context.Context) error
}

// Client talks to the conversation platform.
type Client struct {
	baseURL    string
	token      string
	locationID string
	client     *http.Client
	guard      RateGuard
}

// NewClient creates a platform client. guard may be nil.
func NewClient(baseURL, token, locationID string, guard RateGuard) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		locationID: locationID,
		client:     &http.Client{Timeout: 30 * time.Second},
		guard:      guard,
	}
}

// ListRecentConversations fetches up to limit conversations sorted by the
// given field (the platform returns most-recently-updated first for
// "last_message_date"). Order is preserved exactly as returned.
func (c *Client) ListRecentConversations(ctx context.Context, limit int, sort string) ([]Conversation, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", sort)
	q.Set("locationId", c.locationID)

	var resp conversationListResponse
	if err := c.get(ctx, "list_conversations", "/conversations?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// GetMessages fetches the message history for one conversation.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var resp messageListResponse
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, "get_messages", path, &resp); err != nil {
		return nil, err
	}
	return resp.Messages.Messages, nil
}

// SendMessage posts a reply into a conversation through the platform.
// The rate guard is applied before every write.
func (c *Client) SendMessage(ctx context.Context, typ, contactID, body string) (string, error) {
	if c.guard != nil {
		if err := c.guard.Guard(ctx); err != nil {
			return "", fmt.Errorf("rate guard: %w", err)
		}
	}

	payload, err := json.Marshal(sendMessageRequest{Type: typ, ContactID: contactID, Message: body})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	var resp sendMessageResponse
	if err := c.do(ctx, "send_message", http.MethodPost, "/conversations/messages", payload, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

func (c *Client) get(ctx context.Context, op, path string, out interface{}) error {
	return c.do(ctx, op, http.MethodGet, path, nil, out)
}

// do performs one HTTP call with a single retry on transport-level failure.
// 4xx responses are never retried.
func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			slog.Warn("crm transport error, retrying once", "op", op, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}

		err := c.doOnce(ctx, op, method, path, body, out)
		if err == nil {
			return nil
		}
		// Transport failures and 5xx earn the retry; 4xx never does.
		if apiErr, ok := err.(*APIError); ok && apiErr.Status != 0 && apiErr.Status < 500 {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("crm %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("crm %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &APIError{Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Op: op}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: KindMalformed, Status: resp.StatusCode, Op: op, Err: err}
	}
	return nil
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindTransient
	}
}
