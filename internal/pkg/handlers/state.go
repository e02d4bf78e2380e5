package handlers

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultStateLifetime = time.Minute * 10

// StateTracker hands out single-use OAuth state values
type StateTracker struct {
	lifetime time.Duration
	now      func() time.Time

	mu     sync.Mutex
	issued map[string]time.Time
}

func NewStateTracker() *StateTracker {
	return &StateTracker{
		lifetime: defaultStateLifetime,
		now:      time.Now,
		issued:   make(map[string]time.Time),
	}
}

func (t *StateTracker) WithLifetime(d time.Duration) *StateTracker {
	t.lifetime = d
	return t
}

// New issues a state value and forgets expired ones
func (t *StateTracker) New() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for s, expiry := range t.issued {
		if now.After(expiry) {
			delete(t.issued, s)
		}
	}

	state := uuid.New().String()
	t.issued[state] = now.Add(t.lifetime)
	return state
}

// Consume reports whether state was issued and is unexpired; it can succeed
// only once per state
func (t *StateTracker) Consume(state string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	expiry, ok := t.issued[state]
	if !ok {
		return false
	}
	delete(t.issued, state)

	return !t.now().After(expiry)
}
