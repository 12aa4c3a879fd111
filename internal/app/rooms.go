package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"roomrelay/internal/core"
	"roomrelay/internal/domain"
)

// Directory is the room-admin collaborator: it answers room existence
// and persisted membership. Live membership never outgrows it.
type Directory interface {
	RoomExists(ctx context.Context, roomID domain.RoomID) (bool, error)
	IsMember(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (bool, error)
}

// SeqSeeder recovers the last durable sequence number for a room so the
// in-memory counter continues from it after a restart instead of
// restarting at one.
type SeqSeeder interface {
	LastSeq(ctx context.Context, roomID domain.RoomID) (uint64, error)
}

// roomState is one serialization domain. Its mutex orders sequence
// assignment, fan-out and presence generation for the room; operations
// on different rooms never contend.
type roomState struct {
	mu          sync.Mutex
	id          domain.RoomID
	members     map[core.ConnID]domain.UserID
	seq         uint64
	presenceGen uint64
}

// Rooms is the membership index. Bookkeeping is bidirectional
// (conn -> rooms and room -> conns) and both sides mutate under
// Rooms.mu so no reader ever observes one side updated alone.
//
// Lock order everywhere: Rooms.mu, then roomState.mu, then Registry.mu
// (reads only). Never the reverse.
type Rooms struct {
	mu       sync.RWMutex
	dir      Directory
	registry *Registry
	seeder   SeqSeeder
	rooms    map[domain.RoomID]*roomState
	byConn   map[core.ConnID]map[domain.RoomID]struct{}
}

func NewRooms(dir Directory, registry *Registry) *Rooms {
	return &Rooms{
		dir:      dir,
		registry: registry,
		rooms:    make(map[domain.RoomID]*roomState),
		byConn:   make(map[core.ConnID]map[domain.RoomID]struct{}),
	}
}

// SetSeqSeeder is optional; without it new rooms count from one.
func (r *Rooms) SetSeqSeeder(s SeqSeeder) { r.seeder = s }

// Join admits a connection into a room's live membership after checking
// persisted membership with the directory. Idempotent: re-joining is
// not an error and does not duplicate membership.
//
// The directory is consulted before any internal lock is taken.
func (r *Rooms) Join(ctx context.Context, connID core.ConnID, userID domain.UserID, roomID domain.RoomID) error {
	return r.JoinWithBacklog(ctx, connID, userID, roomID, nil)
}

// JoinWithBacklog additionally delivers a pre-fetched backlog frame to
// the joining connection inside the room's serialization domain,
// immediately before the membership insert. Any publish serialized
// after the insert therefore reaches the connection after its backlog.
func (r *Rooms) JoinWithBacklog(ctx context.Context, connID core.ConnID, userID domain.UserID, roomID domain.RoomID, backlog core.Frame) error {
	exists, err := r.dir.RoomExists(ctx, roomID)
	if err != nil {
		return fmt.Errorf("room lookup: %w", err)
	}
	if !exists {
		return domain.ErrRoomNotFound
	}
	member, err := r.dir.IsMember(ctx, userID, roomID)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if !member {
		return domain.ErrNotAMember
	}

	// Seed the sequence counter before taking any lock; the collaborator
	// call must not run inside a serialization domain. A lost race just
	// means a second harmless fetch.
	var seed uint64
	if _, cached := r.room(roomID); !cached && r.seeder != nil {
		if last, err := r.seeder.LastSeq(ctx, roomID); err == nil {
			seed = last
		} else {
			log.Warn().Err(err).Str("module", "app.rooms").Str("room", string(roomID)).Msg("seq seed failed, counting from zero")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		rs = &roomState{id: roomID, members: make(map[core.ConnID]domain.UserID), seq: seed}
		r.rooms[roomID] = rs
	}
	set, ok := r.byConn[connID]
	if !ok {
		set = make(map[domain.RoomID]struct{})
		r.byConn[connID] = set
	}
	set[roomID] = struct{}{}
	rs.mu.Lock()
	if backlog != nil {
		if conn, ok := r.registry.Conn(connID); ok {
			if err := conn.TrySend(backlog); err != nil {
				log.Debug().Err(err).Str("module", "app.rooms").Str("conn", string(connID)).Str("room", string(roomID)).Msg("backlog send failed")
			}
		}
	}
	rs.members[connID] = userID
	rs.mu.Unlock()
	log.Info().Str("module", "app.rooms").Str("conn", string(connID)).Str("room", string(roomID)).Msg("joined")
	return nil
}

// Leave removes a connection from one room. Idempotent.
// Reports whether live membership actually changed.
func (r *Rooms) Leave(connID core.ConnID, roomID domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID, roomID)
}

func (r *Rooms) leaveLocked(connID core.ConnID, roomID domain.RoomID) bool {
	rs, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	rs.mu.Lock()
	_, present := rs.members[connID]
	delete(rs.members, connID)
	rs.mu.Unlock()
	if set, ok := r.byConn[connID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
	if present {
		log.Info().Str("module", "app.rooms").Str("conn", string(connID)).Str("room", string(roomID)).Msg("left")
	}
	return present
}

// DropConn removes a connection from every room it had joined and
// returns the affected rooms, so the caller can recompute presence.
// This is the unregister cascade and completes before returning.
func (r *Rooms) DropConn(connID core.ConnID) []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	out := make([]domain.RoomID, 0, len(set))
	for roomID := range set {
		out = append(out, roomID)
	}
	for _, roomID := range out {
		r.leaveLocked(connID, roomID)
	}
	return out
}

func (r *Rooms) IsJoined(connID core.ConnID, roomID domain.RoomID) bool {
	r.mu.RLock()
	set, ok := r.byConn[connID]
	if ok {
		_, ok = set[roomID]
	}
	r.mu.RUnlock()
	return ok
}

// JoinedRooms returns the rooms a connection is currently live in.
func (r *Rooms) JoinedRooms(connID core.ConnID) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byConn[connID]
	out := make([]domain.RoomID, 0, len(set))
	for roomID := range set {
		out = append(out, roomID)
	}
	return out
}

func (r *Rooms) LiveMembers(roomID domain.RoomID) []core.ConnID {
	rs, ok := r.room(roomID)
	if !ok {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]core.ConnID, 0, len(rs.members))
	for id := range rs.members {
		out = append(out, id)
	}
	return out
}

// LiveUsers returns the distinct user ids live in a room: a user with
// two devices counts once.
func (r *Rooms) LiveUsers(roomID domain.RoomID) []domain.UserID {
	rs, ok := r.room(roomID)
	if !ok {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.distinctUsersLocked()
}

func (rs *roomState) distinctUsersLocked() []domain.UserID {
	seen := make(map[domain.UserID]struct{}, len(rs.members))
	out := make([]domain.UserID, 0, len(rs.members))
	for _, uid := range rs.members {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}

func (r *Rooms) LiveCount(roomID domain.RoomID) int {
	rs, ok := r.room(roomID)
	if !ok {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.members)
}

func (r *Rooms) room(roomID domain.RoomID) (*roomState, bool) {
	r.mu.RLock()
	rs, ok := r.rooms[roomID]
	r.mu.RUnlock()
	return rs, ok
}

// FanOut delivers one frame to every live member of the room under the
// room's serialization domain, so concurrent publishers cannot
// interleave deliveries to the same recipient out of order.
func (r *Rooms) FanOut(roomID domain.RoomID, frame core.Frame) core.PublishResult {
	rs, ok := r.room(roomID)
	if !ok {
		return core.PublishResult{}
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return r.fanOutLocked(rs, frame)
}

func (r *Rooms) fanOutLocked(rs *roomState, frame core.Frame) core.PublishResult {
	res := core.PublishResult{}
	for connID := range rs.members {
		conn, ok := r.registry.Conn(connID)
		if !ok {
			continue
		}
		if err := conn.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, connID)
			continue
		}
		res.SentTo++
	}
	return res
}

// Publish assigns the next sequence number and fans the built frame out
// atomically with respect to the room domain. build runs under the room
// lock and must not block; a build error aborts with no partial
// delivery and the sequence number is not consumed.
func (r *Rooms) Publish(roomID domain.RoomID, from core.ConnID, build func(seq uint64) (core.Frame, error)) (core.PublishResult, error) {
	rs, ok := r.room(roomID)
	if !ok {
		return core.PublishResult{}, domain.ErrRoomNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, joined := rs.members[from]; !joined {
		return core.PublishResult{}, domain.ErrNotJoined
	}
	frame, err := build(rs.seq + 1)
	if err != nil {
		return core.PublishResult{}, err
	}
	rs.seq++
	res := r.fanOutLocked(rs, frame)
	log.Debug().Str("module", "app.rooms").Str("room", string(roomID)).Uint64("seq", rs.seq).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("published")
	return res, nil
}

// PublishPresence bumps the room's presence generation and fans out the
// frame built from it, all inside the room domain so generations reach
// every client in non-decreasing order.
func (r *Rooms) PublishPresence(roomID domain.RoomID, build func(gen uint64, users []domain.UserID) (core.Frame, error)) (uint64, core.PublishResult, error) {
	rs, ok := r.room(roomID)
	if !ok {
		return 0, core.PublishResult{}, domain.ErrRoomNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.presenceGen++
	frame, err := build(rs.presenceGen, rs.distinctUsersLocked())
	if err != nil {
		return rs.presenceGen, core.PublishResult{}, err
	}
	res := r.fanOutLocked(rs, frame)
	return rs.presenceGen, res, nil
}
