package session

import (
	"context"
	"errors"
	"testing"
)

func TestLookupBeforeCreate(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup("conn-1"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestCreateAndLookup(t *testing.T) {
	r := NewRegistry()
	sess := r.Create(context.Background(), "conn-1", "conv-1")
	if sess.ID == "" {
		t.Fatal("expected a session id")
	}
	if sess.ConversationID != "conv-1" {
		t.Fatalf("expected conversation id, got %q", sess.ConversationID)
	}

	got, err := r.Lookup("conn-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != sess {
		t.Fatal("expected the same session instance")
	}
}

func TestReconnectReplacesAndCancels(t *testing.T) {
	r := NewRegistry()
	first := r.Create(context.Background(), "conn-1", "")
	second := r.Create(context.Background(), "conn-1", "")

	select {
	case <-first.Context().Done():
	default:
		t.Fatal("expected the replaced session to be cancelled")
	}
	if second.Context().Err() != nil {
		t.Fatal("expected the new session to be live")
	}
	if r.Len() != 1 {
		t.Fatalf("expected one live session, got %d", r.Len())
	}
}

func TestDestroyCancelsAndIsIdempotent(t *testing.T) {
	r := NewRegistry()
	sess := r.Create(context.Background(), "conn-1", "")

	r.Destroy("conn-1")
	if sess.Context().Err() == nil {
		t.Fatal("expected session context cancelled on destroy")
	}
	if _, err := r.Lookup("conn-1"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized after destroy, got %v", err)
	}

	// Destroying again, or destroying something unknown, is a no-op.
	r.Destroy("conn-1")
	r.Destroy("never-existed")
}

func TestBeginRunSingleFlight(t *testing.T) {
	r := NewRegistry()
	sess := r.Create(context.Background(), "conn-1", "")

	if err := sess.BeginRun(); err != nil {
		t.Fatalf("first begin: %v", err)
	}
	if err := sess.BeginRun(); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight, got %v", err)
	}
	sess.EndRun()
	if err := sess.BeginRun(); err != nil {
		t.Fatalf("begin after end: %v", err)
	}
}
