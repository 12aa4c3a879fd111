package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomrelay/internal/core"
	"roomrelay/internal/domain"
)

type broadcastFixture struct {
	rooms    *Rooms
	registry *Registry
	history  *fakeHistory
	bc       *Broadcaster
	dir      *fakeDirectory
}

func newBroadcastFixture(t *testing.T) *broadcastFixture {
	t.Helper()
	dir := newFakeDirectory()
	reg := NewRegistry(PolicyMulti)
	rooms := NewRooms(dir, reg)
	hist := newFakeHistory()
	return &broadcastFixture{
		rooms:    rooms,
		registry: reg,
		history:  hist,
		bc:       NewBroadcaster(rooms, reg, hist, 4096),
		dir:      dir,
	}
}

func (f *broadcastFixture) member(t *testing.T, connID core.ConnID, userID domain.UserID, roomID domain.RoomID) *fakeConn {
	t.Helper()
	f.dir.addRoom(roomID, userID)
	conn := track(t, f.registry, connID, userID)
	require.NoError(t, f.rooms.Join(context.Background(), connID, userID, roomID))
	return conn
}

func TestBroadcastEchoesToSender(t *testing.T) {
	f := newBroadcastFixture(t)
	sender := f.member(t, "c1", "u1", "general")
	other := f.member(t, "c2", "u2", "general")

	msg, res, err := f.bc.Send(context.Background(), "c1", "general", "hi")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, 2, res.SentTo)
	assert.Empty(t, res.Dropped)

	for _, conn := range []*fakeConn{sender, other} {
		got := eventsOfType[domain.Message](t, conn, domain.TypeMessage)
		require.Len(t, got, 1)
		assert.Equal(t, "hi", got[0].Content)
		assert.Equal(t, uint64(1), got[0].Seq)
		assert.Equal(t, domain.UserID("u1"), got[0].SenderID)
		assert.NotEmpty(t, got[0].ID)
	}
}

func TestBroadcastContentValidation(t *testing.T) {
	f := newBroadcastFixture(t)
	f.member(t, "c1", "u1", "general")
	ctx := context.Background()

	for _, content := range []string{"", "   ", "\n\t"} {
		_, _, err := f.bc.Send(ctx, "c1", "general", content)
		assert.ErrorIs(t, err, domain.ErrInvalidContent)
	}

	_, _, err := f.bc.Send(ctx, "c1", "general", strings.Repeat("x", 5000))
	assert.ErrorIs(t, err, domain.ErrInvalidContent)

	// Validation failures must not consume sequence numbers.
	msg, _, err := f.bc.Send(ctx, "c1", "general", "first real message")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), msg.Seq)
}

func TestBroadcastNotJoined(t *testing.T) {
	f := newBroadcastFixture(t)
	member := f.member(t, "c1", "u1", "general")
	f.dir.addRoom("general", "u2")
	track(t, f.registry, "c2", "u2")

	_, _, err := f.bc.Send(context.Background(), "c2", "general", "hello")
	assert.ErrorIs(t, err, domain.ErrNotJoined)
	assert.Empty(t, member.envelopes(t), "no partial broadcast on rejection")
}

func TestBroadcastPersistsAsync(t *testing.T) {
	f := newBroadcastFixture(t)
	f.member(t, "c1", "u1", "general")

	_, _, err := f.bc.Send(context.Background(), "c1", "general", "durable")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.history.count("general") == 1
	}, time.Second, 5*time.Millisecond)
}

// Concurrent senders into one room: every live member receives every
// accepted message exactly once, with unique sequence numbers, in the
// same relative order.
func TestBroadcastConcurrentOrdering(t *testing.T) {
	const senders = 8
	const perSender = 25

	f := newBroadcastFixture(t)
	conns := make([]*fakeConn, senders)
	for i := 0; i < senders; i++ {
		conns[i] = f.member(t,
			core.ConnID(fmt.Sprintf("c%d", i)),
			domain.UserID(fmt.Sprintf("u%d", i)),
			"general")
	}

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < perSender; n++ {
				_, _, err := f.bc.Send(context.Background(),
					core.ConnID(fmt.Sprintf("c%d", i)), "general",
					fmt.Sprintf("msg-%d-%d", i, n))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	total := senders * perSender
	reference := eventsOfType[domain.Message](t, conns[0], domain.TypeMessage)
	require.Len(t, reference, total)

	seen := make(map[uint64]bool, total)
	for i, m := range reference {
		assert.Equal(t, uint64(i+1), m.Seq, "no gaps, strictly increasing")
		assert.False(t, seen[m.Seq], "duplicate seq %d", m.Seq)
		seen[m.Seq] = true
	}

	for _, conn := range conns[1:] {
		got := eventsOfType[domain.Message](t, conn, domain.TypeMessage)
		require.Len(t, got, total)
		for i := range got {
			assert.Equal(t, reference[i].Seq, got[i].Seq, "all members observe identical order")
			assert.Equal(t, reference[i].ID, got[i].ID)
		}
	}
}

// Two connections of the same user sending in rapid succession: both
// messages reach everyone, ordered, no duplication.
func TestBroadcastTwoDevicesSameUser(t *testing.T) {
	f := newBroadcastFixture(t)
	d1 := f.member(t, "c1", "u1", "general")
	f.dir.addRoom("general", "u1")
	d2 := track(t, f.registry, "c2", "u1")
	require.NoError(t, f.rooms.Join(context.Background(), "c2", "u1", "general"))

	_, _, err := f.bc.Send(context.Background(), "c1", "general", "a")
	require.NoError(t, err)
	_, _, err = f.bc.Send(context.Background(), "c2", "general", "b")
	require.NoError(t, err)

	for _, conn := range []*fakeConn{d1, d2} {
		got := eventsOfType[domain.Message](t, conn, domain.TypeMessage)
		require.Len(t, got, 2)
		assert.Equal(t, "a", got[0].Content)
		assert.Equal(t, uint64(1), got[0].Seq)
		assert.Equal(t, "b", got[1].Content)
		assert.Equal(t, uint64(2), got[1].Seq)
	}
}

func TestBroadcastReportsSlowConsumers(t *testing.T) {
	f := newBroadcastFixture(t)
	fast := f.member(t, "c1", "u1", "general")
	f.dir.addRoom("general", "u3")
	slow := &fakeConn{queueCap: 1}
	f.registry.Track("c3", slow, nil)
	require.NoError(t, f.registry.Authenticate("c3", domain.User{ID: "u3"}))
	require.True(t, f.registry.Activate("c3"))
	require.NoError(t, f.rooms.Join(context.Background(), "c3", "u3", "general"))

	_, res, err := f.bc.Send(context.Background(), "c1", "general", "one")
	require.NoError(t, err)
	assert.Empty(t, res.Dropped)

	_, res, err = f.bc.Send(context.Background(), "c1", "general", "two")
	require.NoError(t, err)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, core.ConnID("c3"), res.Dropped[0])

	// The fast member's delivery is unaffected.
	got := eventsOfType[domain.Message](t, fast, domain.TypeMessage)
	assert.Len(t, got, 2)
}
