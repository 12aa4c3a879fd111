package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"roomrelay/internal/core"
	"roomrelay/internal/domain"
)

// SessionPolicy controls how many simultaneous connections a user may
// hold. Multi is the default (phone + laptop is normal).
type SessionPolicy int8

const (
	PolicyMulti SessionPolicy = iota
	PolicySingle
)

type connEntry struct {
	Conn       core.Conn
	User       domain.User
	State      core.ConnState
	LastActive time.Time
	Cancel     context.CancelFunc
}

// Registry owns the set of live connections. It is the single global
// serialization domain; everything room-scoped lives in Rooms.
type Registry struct {
	mu     sync.RWMutex
	policy SessionPolicy
	conns  map[core.ConnID]*connEntry
	byUser map[domain.UserID]map[core.ConnID]struct{}
}

func NewRegistry(policy SessionPolicy) *Registry {
	return &Registry{
		policy: policy,
		conns:  make(map[core.ConnID]*connEntry),
		byUser: make(map[domain.UserID]map[core.ConnID]struct{}),
	}
}

// Track records a transport that has connected but not yet
// authenticated. The entry starts in Connecting.
func (r *Registry) Track(id core.ConnID, conn core.Conn, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = &connEntry{
		Conn:       conn,
		State:      core.StateConnecting,
		LastActive: time.Now(),
		Cancel:     cancel,
	}
	log.Debug().Str("module", "app.registry").Str("conn", string(id)).Msg("tracking connection")
}

// Authenticate binds a verified user to the connection and moves it to
// Authenticated. Fails with DuplicateSession under the single policy.
func (r *Registry) Authenticate(id core.ConnID, user domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return domain.ErrConnNotFound
	}
	if r.policy == PolicySingle && len(r.byUser[user.ID]) > 0 {
		return domain.ErrDuplicateSession
	}
	e.User = user
	e.State = core.StateAuthenticated
	set, ok := r.byUser[user.ID]
	if !ok {
		set = make(map[core.ConnID]struct{})
		r.byUser[user.ID] = set
	}
	set[id] = struct{}{}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(user.ID)).Msg("authenticated")
	return nil
}

// Activate moves an authenticated connection to Active, after which the
// orchestrator dispatches room frames for it.
func (r *Registry) Activate(id core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || e.State != core.StateAuthenticated {
		return false
	}
	e.State = core.StateActive
	return true
}

func (r *Registry) State(id core.ConnID) (core.ConnState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return core.StateClosed, false
	}
	return e.State, true
}

func (r *Registry) Conn(id core.ConnID) (core.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.Conn, true
}

// User returns the authenticated identity of a connection. ok is false
// for unknown or still-connecting entries.
func (r *Registry) User(id core.ConnID) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.State < core.StateAuthenticated {
		return domain.User{}, false
	}
	return e.User, true
}

func (r *Registry) ConnsForUser(uid domain.UserID) []core.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.ConnID, 0, len(r.byUser[uid]))
	for id := range r.byUser[uid] {
		out = append(out, id)
	}
	return out
}

// Touch refreshes the idle clock on inbound activity.
func (r *Registry) Touch(id core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.LastActive = time.Now()
	}
}

// IdleSince returns connections with no inbound activity after the
// cutoff. The reaper closes them; closing feeds back through the normal
// disconnect path.
func (r *Registry) IdleSince(cutoff time.Time) []core.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.ConnID
	for id, e := range r.conns {
		if e.State != core.StateClosed && e.LastActive.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Unregister removes a connection. Idempotent: a second call for the
// same id is a no-op because disconnect can race with explicit logout.
func (r *Registry) Unregister(id core.ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.State = core.StateClosed
	if set, ok := r.byUser[e.User.ID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byUser, e.User.ID)
		}
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("unregistered")
	return true
}

// Cancel aborts the connection-scoped context, tearing down the pumps.
func (r *Registry) Cancel(id core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
