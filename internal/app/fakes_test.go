package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"roomrelay/internal/core"
	"roomrelay/internal/domain"
)

// fakeConn records everything sent to it. A non-zero queueCap makes it
// behave like a bounded outbound queue that never drains.
type fakeConn struct {
	mu       sync.Mutex
	queueCap int
	frames   []core.Frame
	closed   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queueCap > 0 && len(c.frames) >= c.queueCap {
		return domain.ErrSlowConsumer
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) envelopes(t *testing.T) []domain.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := domain.DecodeEnvelope(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// eventsOfType decodes the Data of every envelope with the given type.
func eventsOfType[T any](t *testing.T, c *fakeConn, typ string) []T {
	t.Helper()
	var out []T
	for _, env := range c.envelopes(t) {
		if env.Type != typ {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(env.Data, &v))
		out = append(out, v)
	}
	return out
}

type memberKey struct {
	User domain.UserID
	Room domain.RoomID
}

// fakeDirectory is an in-memory room-admin collaborator.
type fakeDirectory struct {
	mu      sync.Mutex
	rooms   map[domain.RoomID]bool
	members map[memberKey]bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		rooms:   make(map[domain.RoomID]bool),
		members: make(map[memberKey]bool),
	}
}

func (d *fakeDirectory) addRoom(roomID domain.RoomID, members ...domain.UserID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[roomID] = true
	for _, uid := range members {
		d.members[memberKey{User: uid, Room: roomID}] = true
	}
}

func (d *fakeDirectory) RoomExists(_ context.Context, roomID domain.RoomID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[roomID], nil
}

func (d *fakeDirectory) IsMember(_ context.Context, userID domain.UserID, roomID domain.RoomID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[memberKey{User: userID, Room: roomID}], nil
}

// fakeHistory is an in-memory history collaborator. The optional gate
// channels let a test hold a Recent call in flight.
type fakeHistory struct {
	mu       sync.Mutex
	appended []domain.Message
	lastSeq  map[domain.RoomID]uint64

	recentStarted chan struct{}
	recentRelease chan struct{}
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{lastSeq: make(map[domain.RoomID]uint64)}
}

func (h *fakeHistory) Append(_ context.Context, msg domain.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appended = append(h.appended, msg)
	if msg.Seq > h.lastSeq[msg.RoomID] {
		h.lastSeq[msg.RoomID] = msg.Seq
	}
	return nil
}

func (h *fakeHistory) Recent(_ context.Context, roomID domain.RoomID, limit int) ([]domain.Message, error) {
	if h.recentStarted != nil {
		h.recentStarted <- struct{}{}
	}
	if h.recentRelease != nil {
		<-h.recentRelease
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Message
	for _, m := range h.appended {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (h *fakeHistory) LastSeq(_ context.Context, roomID domain.RoomID) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeq[roomID], nil
}

func (h *fakeHistory) count(roomID domain.RoomID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.appended {
		if m.RoomID == roomID {
			n++
		}
	}
	return n
}

// fakeVerifier resolves tokens from a fixed table.
type fakeVerifier struct {
	users map[string]domain.User
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{users: make(map[string]domain.User)}
}

func (v *fakeVerifier) allow(token string, user domain.User) { v.users[token] = user }

func (v *fakeVerifier) Verify(_ context.Context, token string) (domain.User, error) {
	user, ok := v.users[token]
	if !ok {
		return domain.User{}, domain.ErrUnauthorized
	}
	return user, nil
}
