package iasauth

import (
	"errors"
	"testing"
	"time"
)

func TestLoginStateStoreConsumeIsOneShot(t *testing.T) {
	store := NewLoginStateStore(time.Minute, newControllableClock(testEpoch))
	defer store.Stop()

	state, err := store.Issue(PendingLogin{Verifier: "verifier", ReturnURL: "/home", AllowRefresh: true})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	pending, err := store.Consume(state)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if pending.Verifier != "verifier" || pending.ReturnURL != "/home" || !pending.AllowRefresh {
		t.Fatalf("unexpected pending login %#v", pending)
	}
	if _, err := store.Consume(state); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected second consume to fail, got %v", err)
	}
	if _, err := store.Consume("unknown"); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected unknown state to fail, got %v", err)
	}
}

func TestLoginStateStoreExpiry(t *testing.T) {
	clock := newControllableClock(testEpoch)
	store := NewLoginStateStore(time.Minute, clock)
	defer store.Stop()

	state, err := store.Issue(PendingLogin{Verifier: "verifier"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := store.Consume(state); !errors.Is(err, ErrStateExpired) {
		t.Fatalf("expected expired state, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected expired state to be removed, len=%d", store.Len())
	}
}
