package app

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"roomrelay/internal/core"
	"roomrelay/internal/domain"
)

// HistoryStore is the durable-message collaborator. Append is
// dispatched after fan-out and never holds internal locks.
type HistoryStore interface {
	Append(ctx context.Context, msg domain.Message) error
	Recent(ctx context.Context, roomID domain.RoomID, limit int) ([]domain.Message, error)
}

// Broadcaster validates, timestamps and fans messages out. Sequence
// assignment and delivery are serialized per room by Rooms.Publish, so
// two concurrent sends can neither share a sequence number nor arrive
// out of order at any recipient. The sender always receives its own
// message back (single source of truth for "accepted").
type Broadcaster struct {
	rooms    *Rooms
	registry *Registry
	history  HistoryStore
	maxLen   int
}

func NewBroadcaster(rooms *Rooms, registry *Registry, history HistoryStore, maxLen int) *Broadcaster {
	return &Broadcaster{rooms: rooms, registry: registry, history: history, maxLen: maxLen}
}

func (b *Broadcaster) Send(ctx context.Context, connID core.ConnID, roomID domain.RoomID, content string) (domain.Message, core.PublishResult, error) {
	content = strings.TrimSpace(content)
	if content == "" || len(content) > b.maxLen {
		return domain.Message{}, core.PublishResult{}, domain.ErrInvalidContent
	}
	sender, ok := b.registry.User(connID)
	if !ok {
		return domain.Message{}, core.PublishResult{}, domain.ErrConnNotFound
	}

	var msg domain.Message
	res, err := b.rooms.Publish(roomID, connID, func(seq uint64) (core.Frame, error) {
		msg = domain.Message{
			ID:         ulid.Make().String(),
			RoomID:     roomID,
			SenderID:   sender.ID,
			SenderName: sender.DisplayName,
			Seq:        seq,
			Content:    content,
			CreatedAt:  time.Now().UTC(),
		}
		return domain.Encode(domain.TypeMessage, msg)
	})
	if err != nil {
		return domain.Message{}, core.PublishResult{}, err
	}

	// Fire and forget: a persistence failure is logged, not retried,
	// and never blocks or revokes delivery.
	go b.persist(msg)

	return msg, res, nil
}

func (b *Broadcaster) persist(msg domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.history.Append(ctx, msg); err != nil {
		log.Error().Err(err).Str("module", "app.broadcast").Str("room", string(msg.RoomID)).Uint64("seq", msg.Seq).Msg("history append failed")
	}
}
