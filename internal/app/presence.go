package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"roomrelay/internal/core"
	"roomrelay/internal/domain"
)

// PresenceMirror exports presence snapshots to an external observer
// (e.g. a redis key per room for dashboards). Optional; failures are
// logged and ignored.
type PresenceMirror interface {
	Publish(ctx context.Context, roomID domain.RoomID, users []domain.UserID, gen uint64) error
}

// Presence derives per-room online-user sets and pushes a snapshot to
// room members on every membership change. Recomputations within the
// debounce window coalesce into one emission, which keeps reconnect
// storms from flickering.
type Presence struct {
	rooms    *Rooms
	registry *Registry
	window   time.Duration
	mirror   PresenceMirror

	// onDropped receives connections whose queue overflowed during a
	// presence fan-out; the orchestrator routes them to the policy.
	onDropped func([]core.ConnID)

	mu      sync.Mutex
	pending map[domain.RoomID]struct{}
}

func NewPresence(rooms *Rooms, registry *Registry, window time.Duration) *Presence {
	return &Presence{
		rooms:    rooms,
		registry: registry,
		window:   window,
		pending:  make(map[domain.RoomID]struct{}),
	}
}

func (p *Presence) SetMirror(m PresenceMirror) { p.mirror = m }

func (p *Presence) SetDropHandler(fn func([]core.ConnID)) { p.onDropped = fn }

// RoomChanged schedules a recomputation. Changes arriving while one is
// already scheduled are absorbed by it, since the flush reads current
// state at fire time.
func (p *Presence) RoomChanged(roomID domain.RoomID) {
	p.mu.Lock()
	if _, scheduled := p.pending[roomID]; scheduled {
		p.mu.Unlock()
		return
	}
	p.pending[roomID] = struct{}{}
	p.mu.Unlock()

	time.AfterFunc(p.window, func() {
		p.mu.Lock()
		delete(p.pending, roomID)
		p.mu.Unlock()
		p.flush(roomID)
	})
}

func (p *Presence) flush(roomID domain.RoomID) {
	gen, res, err := p.rooms.PublishPresence(roomID, func(gen uint64, userIDs []domain.UserID) (core.Frame, error) {
		return domain.Encode(domain.TypePresence, domain.PresenceEvent{
			RoomID:     roomID,
			Online:     p.resolve(userIDs),
			Generation: gen,
		})
	})
	if err != nil {
		log.Debug().Err(err).Str("module", "app.presence").Str("room", string(roomID)).Msg("presence flush skipped")
		return
	}
	if len(res.Dropped) > 0 && p.onDropped != nil {
		p.onDropped(res.Dropped)
	}
	if p.mirror != nil {
		go p.mirrorSnapshot(roomID, gen)
	}
}

func (p *Presence) mirrorSnapshot(roomID domain.RoomID, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.mirror.Publish(ctx, roomID, p.rooms.LiveUsers(roomID), gen); err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Str("room", string(roomID)).Msg("presence mirror publish failed")
	}
}

// resolve attaches cached display names from the registry. A user whose
// every connection vanished mid-flight keeps the bare id.
func (p *Presence) resolve(userIDs []domain.UserID) []domain.User {
	out := make([]domain.User, 0, len(userIDs))
	for _, uid := range userIDs {
		u := domain.User{ID: uid}
		for _, connID := range p.registry.ConnsForUser(uid) {
			if full, ok := p.registry.User(connID); ok {
				u = full
				break
			}
		}
		out = append(out, u)
	}
	return out
}

// OnlineUsers is the synchronous read path.
func (p *Presence) OnlineUsers(roomID domain.RoomID) []domain.User {
	return p.resolve(p.rooms.LiveUsers(roomID))
}
