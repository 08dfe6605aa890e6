package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jujinkim/cryptic-wikinet/pkg/models"
)

func TestAbuseEvent(t *testing.T) {
	t.Parallel()

	evt := AbuseEvent(models.AbuseEvent{
		Kind:     models.AbuseKindRateLimited,
		ClientID: "ai_ab12",
		Action:   "forum_post",
		Reason:   "RATE_LIMITED",
		Scope:    "client:ai_ab12:forum_post",
		At:       time.Now().UTC(),
	})
	if evt.Type != models.AbuseKindRateLimited {
		t.Fatalf("expected rate_limited type, got %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload models.AbuseEvent
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ClientID != "ai_ab12" || payload.Scope == "" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(NewEvent("ready", nil))

	select {
	case evt := <-ch:
		if evt.Type != "ready" {
			t.Fatalf("expected ready event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Publish(NewEvent("first", nil))
	h.Publish(NewEvent("second", nil))

	select {
	case evt := <-ch:
		if evt.Type != "first" {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
}

func TestSubscribersCount(t *testing.T) {
	t.Parallel()

	h := NewHub()
	if h.Subscribers() != 0 {
		t.Fatal("fresh hub must have no subscribers")
	}
	a := h.Subscribe(1)
	b := h.Subscribe(1)
	if got := h.Subscribers(); got != 2 {
		t.Fatalf("subscribers = %d, want 2", got)
	}
	h.Unsubscribe(a)
	h.Unsubscribe(b)
	if got := h.Subscribers(); got != 0 {
		t.Fatalf("subscribers after unsubscribe = %d, want 0", got)
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}
