package domain

import "time"

// Message is immutable once the broadcaster has assigned its sequence
// number. Seq is per-room and strictly increasing.
type Message struct {
	ID         string    `json:"id"`
	RoomID     RoomID    `json:"room_id"`
	SenderID   UserID    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Seq        uint64    `json:"seq"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}
