package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "hello" {
			t.Errorf("messages = %+v", req.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"world"}}]}`))
	}))
	defer srv.Close()

	c := NewClient("key", srv.URL, "test-model", 0.7, 256)
	out, err := c.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if out != "world" {
		t.Errorf("out = %q", out)
	}
}

func TestComplete_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(500)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewClient("key", srv.URL, "m", 0, 0)
	c.retryConfig = RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	out, err := c.Complete(context.Background(), "p")
	if err != nil {
		t.Fatal(err)
	}
	if out != "ok" || calls != 2 {
		t.Errorf("out=%q calls=%d", out, calls)
	}
}

func TestRetryDo_ExhaustsAndReturnsLastError(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func() (string, error) {
		calls++
		return "", errors.New("nope")
	})
	if err == nil || err.Error() != "nope" {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryDo_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryDo(ctx, RetryConfig{MaxRetries: 3, BaseDelay: time.Minute}, func() (int, error) {
		return 0, errors.New("always fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
