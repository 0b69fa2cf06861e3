package internal

import (
	"sort"
	"sync"
	"time"
)

const defaultTypingTTL = 4 * time.Second

// typingSet holds the users currently typing in one room. Entries carry a
// short time-to-live and expire on their own absent a refresh; expiry calls
// back so the room can broadcast the updated set. Typing state is never
// persisted or sequenced.
type typingSet struct {
	mu      sync.Mutex
	ttl     time.Duration
	timers  map[string]*time.Timer
	expired func(userID string)
}

func newTypingSet(ttl time.Duration, expired func(userID string)) *typingSet {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &typingSet{
		ttl:     ttl,
		timers:  make(map[string]*time.Timer),
		expired: expired,
	}
}

// start adds the user or refreshes their expiry. Returns true when the set
// changed, so callers only broadcast on actual transitions.
func (t *typingSet) start(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[userID]; ok {
		timer.Reset(t.ttl)
		return false
	}
	t.timers[userID] = time.AfterFunc(t.ttl, func() {
		if t.remove(userID) && t.expired != nil {
			t.expired(userID)
		}
	})
	return true
}

// stop removes the user before their TTL lapses. Returns true when the set
// changed.
func (t *typingSet) stop(userID string) bool {
	return t.remove(userID)
}

func (t *typingSet) remove(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.timers[userID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, userID)
	return true
}

// users returns the current typing set, sorted for stable payloads.
func (t *typingSet) users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.timers))
	for userID := range t.timers {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// clear cancels every timer; used when a room is torn down.
func (t *typingSet) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for userID, timer := range t.timers {
		timer.Stop()
		delete(t.timers, userID)
	}
}
