package internal

import (
	"testing"
	"time"
)

func TestTypingStartStop(t *testing.T) {
	set := newTypingSet(time.Minute, nil)
	if !set.start("u1") {
		t.Fatalf("expected first start to change the set")
	}
	if set.start("u1") {
		t.Fatalf("expected refresh to report no change")
	}
	if users := set.users(); len(users) != 1 || users[0] != "u1" {
		t.Fatalf("unexpected users: %v", users)
	}
	if !set.stop("u1") {
		t.Fatalf("expected stop to change the set")
	}
	if set.stop("u1") {
		t.Fatalf("expected second stop to be a no-op")
	}
	if users := set.users(); len(users) != 0 {
		t.Fatalf("expected empty set, got %v", users)
	}
}

func TestTypingExpiry(t *testing.T) {
	expired := make(chan string, 1)
	set := newTypingSet(30*time.Millisecond, func(userID string) {
		expired <- userID
	})
	set.start("u1")

	select {
	case userID := <-expired:
		if userID != "u1" {
			t.Fatalf("expected u1 to expire, got %s", userID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("typing entry never expired")
	}
	if users := set.users(); len(users) != 0 {
		t.Fatalf("expected empty set after expiry, got %v", users)
	}
}

func TestTypingUsersSorted(t *testing.T) {
	set := newTypingSet(time.Minute, nil)
	set.start("zoe")
	set.start("amy")
	set.start("mia")
	users := set.users()
	if len(users) != 3 || users[0] != "amy" || users[1] != "mia" || users[2] != "zoe" {
		t.Fatalf("expected sorted users, got %v", users)
	}
}
