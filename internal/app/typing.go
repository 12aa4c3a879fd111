package app

import (
	"context"
	"sync"
	"time"

	"roomrelay/internal/domain"
)

type typingKey struct {
	Room domain.RoomID
	User domain.UserID
}

// Typing holds short-lived per-(user, room) typing state. A signal
// (re)sets the expiry; rapid signals reset rather than stack. Reads
// filter expired entries lazily, and a periodic sweep deletes them and
// emits an explicit "stopped" notification, which reactive clients need
// even without a follow-up read. Nothing here survives a restart.
type Typing struct {
	ttl    time.Duration
	notify func(domain.RoomID, domain.UserID, bool)
	now    func() time.Time

	mu      sync.Mutex
	entries map[typingKey]time.Time
}

func NewTyping(ttl time.Duration, notify func(domain.RoomID, domain.UserID, bool)) *Typing {
	return &Typing{
		ttl:     ttl,
		notify:  notify,
		now:     time.Now,
		entries: make(map[typingKey]time.Time),
	}
}

// SetNotify wires the fan-out hook; called once during assembly.
func (t *Typing) SetNotify(fn func(domain.RoomID, domain.UserID, bool)) {
	t.notify = fn
}

// Signal marks the user as typing in the room. Only the first signal of
// a burst produces a notification; the rest just push the expiry out.
func (t *Typing) Signal(userID domain.UserID, roomID domain.RoomID) {
	key := typingKey{Room: roomID, User: userID}
	now := t.now()
	t.mu.Lock()
	exp, ok := t.entries[key]
	fresh := !ok || !exp.After(now)
	t.entries[key] = now.Add(t.ttl)
	t.mu.Unlock()
	if fresh && t.notify != nil {
		t.notify(roomID, userID, true)
	}
}

// Clear drops the entry eagerly (leave/disconnect) and notifies if the
// user was still considered typing.
func (t *Typing) Clear(userID domain.UserID, roomID domain.RoomID) {
	key := typingKey{Room: roomID, User: userID}
	now := t.now()
	t.mu.Lock()
	exp, ok := t.entries[key]
	delete(t.entries, key)
	t.mu.Unlock()
	if ok && exp.After(now) && t.notify != nil {
		t.notify(roomID, userID, false)
	}
}

// ActiveTypers filters expired entries without deleting them; the sweep
// owns deletion so the stopped notification is emitted exactly once.
func (t *Typing) ActiveTypers(roomID domain.RoomID) []domain.UserID {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.UserID
	for key, exp := range t.entries {
		if key.Room == roomID && exp.After(now) {
			out = append(out, key.User)
		}
	}
	return out
}

// Run sweeps on the given interval until the context ends.
func (t *Typing) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Sweep deletes expired entries and emits their stopped notifications.
func (t *Typing) Sweep() {
	now := t.now()
	t.mu.Lock()
	var stopped []typingKey
	for key, exp := range t.entries {
		if !exp.After(now) {
			delete(t.entries, key)
			stopped = append(stopped, key)
		}
	}
	t.mu.Unlock()
	if t.notify == nil {
		return
	}
	for _, key := range stopped {
		t.notify(key.Room, key.User, false)
	}
}
