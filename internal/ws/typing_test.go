package ws

import (
	"sync"
	"testing"
	"time"
)

func TestTypingStartTransitionsOnce(t *testing.T) {
	tr := NewTypingTracker(time.Minute, nil)

	if !tr.Start("c1", "u1") {
		t.Fatal("first Start should report a transition")
	}
	if tr.Start("c1", "u1") {
		t.Fatal("repeated Start should not report a transition")
	}
	if !tr.Start("c2", "u1") {
		t.Fatal("Start in another chat is an independent transition")
	}
}

func TestTypingStopReportsWasTyping(t *testing.T) {
	tr := NewTypingTracker(time.Minute, nil)

	if tr.Stop("c1", "u1") {
		t.Fatal("Stop without Start should report not typing")
	}
	tr.Start("c1", "u1")
	if !tr.Stop("c1", "u1") {
		t.Fatal("Stop after Start should report typing")
	}
	if tr.Stop("c1", "u1") {
		t.Fatal("second Stop should report not typing")
	}
	if !tr.Start("c1", "u1") {
		t.Fatal("Start after Stop is a fresh transition")
	}
}

func TestTypingExpiresAfterIdle(t *testing.T) {
	var mu sync.Mutex
	var expired []typingKey
	tr := NewTypingTracker(30*time.Millisecond, func(chatID, userID string) {
		mu.Lock()
		expired = append(expired, typingKey{chatID: chatID, userID: userID})
		mu.Unlock()
	})

	tr.Start("c1", "u1")

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(expired)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("typing state never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 {
		t.Fatalf("expected one expiry, got %d", len(expired))
	}
	if expired[0] != (typingKey{chatID: "c1", userID: "u1"}) {
		t.Fatalf("unexpected expiry key %+v", expired[0])
	}
	if tr.Stop("c1", "u1") {
		t.Fatal("state should already be cleared after expiry")
	}
}

func TestTypingStartResetsIdleTimer(t *testing.T) {
	var mu sync.Mutex
	expiries := 0
	tr := NewTypingTracker(50*time.Millisecond, func(string, string) {
		mu.Lock()
		expiries++
		mu.Unlock()
	})

	tr.Start("c1", "u1")
	// Keep refreshing well inside the idle window; no expiry may fire.
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		tr.Start("c1", "u1")
	}
	mu.Lock()
	n := expiries
	mu.Unlock()
	if n != 0 {
		t.Fatalf("timer expired despite refreshes (%d)", n)
	}
	if !tr.Stop("c1", "u1") {
		t.Fatal("user should still be typing")
	}
}

func TestTypingRefreshOutlivesStaleExpiry(t *testing.T) {
	var mu sync.Mutex
	expiries := 0
	tr := NewTypingTracker(time.Minute, func(string, string) {
		mu.Lock()
		expiries++
		mu.Unlock()
	})

	tr.Start("c1", "u1")
	tr.Start("c1", "u1")
	// A timer callback that fired just before the refresh sees the pushed-out
	// deadline and must neither emit nor clear the state.
	tr.expire(typingKey{chatID: "c1", userID: "u1"})

	mu.Lock()
	n := expiries
	mu.Unlock()
	if n != 0 {
		t.Fatalf("stale expiry emitted mid-burst (%d)", n)
	}
	if !tr.Stop("c1", "u1") {
		t.Fatal("refresh must keep the typing state alive")
	}
}

func TestTypingStopCancelsExpiry(t *testing.T) {
	var mu sync.Mutex
	expiries := 0
	tr := NewTypingTracker(20*time.Millisecond, func(string, string) {
		mu.Lock()
		expiries++
		mu.Unlock()
	})

	tr.Start("c1", "u1")
	tr.Stop("c1", "u1")
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if expiries != 0 {
		t.Fatalf("expiry fired after Stop (%d)", expiries)
	}
}
