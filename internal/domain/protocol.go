package domain

import (
	"encoding/json"
	"time"
)

// Wire envelope: {"type": ..., "data": {...}}.
// Client to server: auth, join_room, leave_room, message, typing, ping.
// Server to client: welcome, history, message, presence, typing, pong, error.
const (
	TypeAuth      = "auth"
	TypeJoinRoom  = "join_room"
	TypeLeaveRoom = "leave_room"
	TypeMessage   = "message"
	TypeTyping    = "typing"
	TypePing      = "ping"

	TypeWelcome  = "welcome"
	TypeHistory  = "history"
	TypePresence = "presence"
	TypePong     = "pong"
	TypeError    = "error"
)

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

// Encode marshals a server event into a wire frame. Marshal failures are
// programming errors (all payload types below are marshalable), so the
// caller may treat an error as an invariant violation.
func Encode(typ string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: typ, Data: raw})
}

// Client payloads.

type AuthRequest struct {
	Token string `json:"token"`
}

type JoinRoomRequest struct {
	RoomID RoomID `json:"room_id"`
}

type LeaveRoomRequest struct {
	RoomID RoomID `json:"room_id"`
}

type SendMessageRequest struct {
	RoomID  RoomID `json:"room_id"`
	Content string `json:"content"`
}

type TypingRequest struct {
	RoomID RoomID `json:"room_id"`
}

// Server payloads.

type WelcomeEvent struct {
	User User `json:"user"`
}

type HistoryEvent struct {
	RoomID   RoomID    `json:"room_id"`
	Messages []Message `json:"messages"`
}

// PresenceEvent carries the full online-user snapshot for a room.
// Generation is monotonic per room; a client holding generation N must
// discard any payload with a smaller one.
type PresenceEvent struct {
	RoomID     RoomID `json:"room_id"`
	Online     []User `json:"online"`
	Generation uint64 `json:"generation"`
}

type TypingEvent struct {
	RoomID RoomID `json:"room_id"`
	UserID UserID `json:"user_id"`
	Active bool   `json:"active"`
	At     int64  `json:"at"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewTypingEvent stamps the event so clients can order stale indicators.
func NewTypingEvent(roomID RoomID, userID UserID, active bool) TypingEvent {
	return TypingEvent{RoomID: roomID, UserID: userID, Active: active, At: time.Now().UnixMilli()}
}
