package ws

import (
	"sync"
	"time"
)

// DefaultTypingIdle is how long the server keeps a typing state alive
// without a fresh typing_start before expiring it itself.
const DefaultTypingIdle = 4 * time.Second

type typingKey struct {
	chatID string
	userID string
}

// typingState is one user's live typing entry: the idle timer plus the
// deadline it is armed for, so an expiry racing a refresh can tell the
// window moved.
type typingState struct {
	timer    *time.Timer
	deadline time.Time
}

// TypingTracker holds the ephemeral per-(chat, user) typing state machine:
// idle -> typing on Start, typing -> idle on Stop or after the idle window.
// Start while already typing only resets the timer; the transition booleans
// let the hub emit at most one network event per edge.
type TypingTracker struct {
	mu       sync.Mutex
	idle     time.Duration
	onExpire func(chatID, userID string)
	active   map[typingKey]*typingState
}

func NewTypingTracker(idle time.Duration, onExpire func(chatID, userID string)) *TypingTracker {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingTracker{
		idle:     idle,
		onExpire: onExpire,
		active:   make(map[typingKey]*typingState),
	}
}

// Start records typing activity and reports whether this was an
// idle -> typing transition.
func (t *TypingTracker) Start(chatID, userID string) bool {
	key := typingKey{chatID: chatID, userID: userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.active[key]; ok {
		st.timer.Reset(t.idle)
		st.deadline = time.Now().Add(t.idle)
		return false
	}
	st := &typingState{deadline: time.Now().Add(t.idle)}
	st.timer = time.AfterFunc(t.idle, func() { t.expire(key) })
	t.active[key] = st
	return true
}

// Stop clears the typing state and reports whether the user was typing.
func (t *TypingTracker) Stop(chatID, userID string) bool {
	key := typingKey{chatID: chatID, userID: userID}
	t.mu.Lock()
	st, ok := t.active[key]
	if ok {
		st.timer.Stop()
		delete(t.active, key)
	}
	t.mu.Unlock()
	return ok
}

// expire runs from the idle timer. A Start racing with the firing timer
// resets it and pushes the deadline out; in that case the state stays and
// the re-armed timer comes back at the new deadline. The timer may also
// have fired concurrently with Stop; only the goroutine that removes the
// entry emits.
func (t *TypingTracker) expire(key typingKey) {
	t.mu.Lock()
	st, ok := t.active[key]
	if ok && time.Now().Before(st.deadline) {
		t.mu.Unlock()
		return
	}
	if ok {
		delete(t.active, key)
	}
	t.mu.Unlock()
	if ok && t.onExpire != nil {
		t.onExpire(key.chatID, key.userID)
	}
}
