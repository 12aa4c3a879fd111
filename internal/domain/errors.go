package domain

import "errors"

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrDuplicateSession = errors.New("duplicate session")
	ErrNotAMember       = errors.New("not a room member")
	ErrNotJoined        = errors.New("not joined to room")
	ErrRoomNotFound     = errors.New("room not found")
	ErrInvalidContent   = errors.New("invalid content")
	ErrSlowConsumer     = errors.New("slow consumer")
	ErrConnNotFound     = errors.New("connection not found")
)

// ReasonCode maps an error to the machine-readable code carried by the
// wire error event. Unknown errors collapse to "Internal" so internals
// never leak to clients.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrDuplicateSession):
		return "DuplicateSession"
	case errors.Is(err, ErrNotAMember):
		return "NotAMember"
	case errors.Is(err, ErrNotJoined):
		return "NotJoined"
	case errors.Is(err, ErrRoomNotFound):
		return "RoomNotFound"
	case errors.Is(err, ErrInvalidContent):
		return "InvalidContent"
	case errors.Is(err, ErrSlowConsumer):
		return "SlowConsumerDisconnect"
	default:
		return "Internal"
	}
}
