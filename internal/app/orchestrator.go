package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"roomrelay/internal/core"
	"roomrelay/internal/domain"
)

// Verifier is the auth collaborator: it turns a bearer credential into
// a user identity or ErrUnauthorized.
type Verifier interface {
	Verify(ctx context.Context, token string) (domain.User, error)
}

type Options struct {
	HistoryLimit int
	IdleTimeout  time.Duration
}

// Orchestrator multiplexes connection lifecycle events into the
// registry, membership index, presence tracker, typing indicator and
// broadcaster. It is the only component allowed to move a connection to
// Closed, and every teardown path funnels through Disconnect.
type Orchestrator struct {
	Registry  *Registry
	Rooms     *Rooms
	Presence  *Presence
	Typing    *Typing
	Broadcast *Broadcaster
	History   HistoryStore
	Auth      Verifier
	Policy    Policy
	Opts      Options

	handlers map[string]frameHandler
}

type frameHandler struct {
	// state a connection must be in for the frame to be dispatched.
	state core.ConnState
	fn    func(o *Orchestrator, ctx context.Context, connID core.ConnID, data json.RawMessage) error
}

func NewOrchestrator(reg *Registry, rooms *Rooms, presence *Presence, typing *Typing, bc *Broadcaster, history HistoryStore, auth Verifier, policy Policy, opts Options) *Orchestrator {
	o := &Orchestrator{
		Registry:  reg,
		Rooms:     rooms,
		Presence:  presence,
		Typing:    typing,
		Broadcast: bc,
		History:   history,
		Auth:      auth,
		Policy:    policy,
		Opts:      opts,
	}
	o.handlers = map[string]frameHandler{
		domain.TypeAuth:      {core.StateConnecting, (*Orchestrator).handleAuth},
		domain.TypeJoinRoom:  {core.StateActive, (*Orchestrator).handleJoin},
		domain.TypeLeaveRoom: {core.StateActive, (*Orchestrator).handleLeave},
		domain.TypeMessage:   {core.StateActive, (*Orchestrator).handleMessage},
		domain.TypeTyping:    {core.StateActive, (*Orchestrator).handleTyping},
		domain.TypePing:      {core.StateActive, (*Orchestrator).handlePing},
	}
	presence.SetDropHandler(o.kickAll)
	typing.SetNotify(o.NotifyTyping)
	return o
}

// NotifyTyping is the fan-out hook handed to the Typing indicator.
func (o *Orchestrator) NotifyTyping(roomID domain.RoomID, userID domain.UserID, active bool) {
	frame, err := domain.Encode(domain.TypeTyping, domain.NewTypingEvent(roomID, userID, active))
	if err != nil {
		log.Error().Err(err).Str("module", "app.orchestrator").Msg("typing encode")
		return
	}
	res := o.Rooms.FanOut(roomID, frame)
	o.kickAll(res.Dropped)
}

// Connect admits a new transport in the Connecting state and hands back
// its identity. The cancel func tears down the adapter pumps.
func (o *Orchestrator) Connect(conn core.Conn, cancel context.CancelFunc) core.ConnID {
	connID := core.ConnID(uuid.NewString())
	o.Registry.Track(connID, conn, cancel)
	return connID
}

// OnFrame dispatches one inbound frame through the transition table.
// Frames arriving in the wrong state and unknown types are rejected
// without affecting other connections.
func (o *Orchestrator) OnFrame(ctx context.Context, connID core.ConnID, raw []byte) {
	o.Registry.Touch(connID)

	env, err := domain.DecodeEnvelope(raw)
	if err != nil {
		o.sendError(connID, domain.ErrInvalidContent, "malformed envelope")
		return
	}
	state, ok := o.Registry.State(connID)
	if !ok {
		return
	}
	// Connecting accepts exactly one frame type: the handshake. Anything
	// else, known or not, refuses the connection outright.
	if state == core.StateConnecting && env.Type != domain.TypeAuth {
		o.sendError(connID, domain.ErrUnauthorized, "authenticate first")
		o.closeConn(connID)
		return
	}
	h, ok := o.handlers[env.Type]
	if !ok {
		log.Warn().Str("module", "app.orchestrator").Str("conn", string(connID)).Str("type", env.Type).Msg("unknown frame type")
		o.sendError(connID, domain.ErrInvalidContent, "unknown frame type")
		return
	}
	if state != h.state {
		o.sendError(connID, domain.ErrInvalidContent, "frame not allowed in state "+state.String())
		return
	}
	if err := h.fn(o, ctx, connID, env.Data); err != nil {
		o.sendError(connID, err, err.Error())
	}
}

func (o *Orchestrator) handleAuth(ctx context.Context, connID core.ConnID, data json.RawMessage) error {
	var req domain.AuthRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Token == "" {
		o.sendError(connID, domain.ErrUnauthorized, "missing credential")
		o.closeConn(connID)
		return nil
	}
	if err := o.AuthenticateToken(ctx, connID, req.Token); err != nil {
		o.sendError(connID, err, err.Error())
		o.closeConn(connID)
	}
	return nil
}

// AuthenticateToken completes the handshake for a Connecting
// connection. Adapters that carry the credential at upgrade time call
// it directly; otherwise it runs off the first auth frame.
func (o *Orchestrator) AuthenticateToken(ctx context.Context, connID core.ConnID, token string) error {
	user, err := o.Auth.Verify(ctx, token)
	if err != nil {
		log.Info().Str("module", "app.orchestrator").Str("conn", string(connID)).Msg("handshake refused")
		return domain.ErrUnauthorized
	}
	if err := o.Registry.Authenticate(connID, user); err != nil {
		return err
	}
	o.Registry.Activate(connID)
	o.send(connID, domain.TypeWelcome, domain.WelcomeEvent{User: user})
	log.Info().Str("module", "app.orchestrator").Str("conn", string(connID)).Str("user", string(user.ID)).Msg("session active")
	return nil
}

func (o *Orchestrator) handleJoin(ctx context.Context, connID core.ConnID, data json.RawMessage) error {
	var req domain.JoinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		return domain.ErrRoomNotFound
	}
	user, ok := o.Registry.User(connID)
	if !ok {
		return domain.ErrConnNotFound
	}
	// The backlog is fetched before admission with no internal locks
	// held; Join then delivers it inside the room's serialization
	// domain, so a message published concurrently by another member can
	// never reach this connection ahead of its history frame.
	msgs, err := o.History.Recent(ctx, req.RoomID, o.Opts.HistoryLimit)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orchestrator").Str("room", string(req.RoomID)).Msg("history fetch failed")
		msgs = nil
	}
	backlog, err := domain.Encode(domain.TypeHistory, domain.HistoryEvent{RoomID: req.RoomID, Messages: msgs})
	if err != nil {
		log.Error().Err(err).Str("module", "app.orchestrator").Msg("history encode failed")
		backlog = nil
	}

	if err := o.Rooms.JoinWithBacklog(ctx, connID, user.ID, req.RoomID, backlog); err != nil {
		return err
	}

	o.Presence.RoomChanged(req.RoomID)
	return nil
}

func (o *Orchestrator) handleLeave(_ context.Context, connID core.ConnID, data json.RawMessage) error {
	var req domain.LeaveRoomRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		return domain.ErrRoomNotFound
	}
	user, _ := o.Registry.User(connID)
	if o.Rooms.Leave(connID, req.RoomID) {
		o.Typing.Clear(user.ID, req.RoomID)
		o.Presence.RoomChanged(req.RoomID)
	}
	return nil
}

func (o *Orchestrator) handleMessage(ctx context.Context, connID core.ConnID, data json.RawMessage) error {
	var req domain.SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return domain.ErrInvalidContent
	}
	_, res, err := o.Broadcast.Send(ctx, connID, req.RoomID, req.Content)
	if err != nil {
		return err
	}
	o.kickAll(res.Dropped)
	return nil
}

func (o *Orchestrator) handleTyping(_ context.Context, connID core.ConnID, data json.RawMessage) error {
	var req domain.TypingRequest
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		return domain.ErrInvalidContent
	}
	if !o.Rooms.IsJoined(connID, req.RoomID) {
		return domain.ErrNotJoined
	}
	user, ok := o.Registry.User(connID)
	if !ok {
		return domain.ErrConnNotFound
	}
	o.Typing.Signal(user.ID, req.RoomID)
	return nil
}

func (o *Orchestrator) handlePing(_ context.Context, connID core.ConnID, _ json.RawMessage) error {
	o.send(connID, domain.TypePong, nil)
	return nil
}

// Disconnect is the unregister cascade: live membership is dropped from
// every joined room before the registry entry disappears, so no stale
// membership is observable afterwards. Idempotent; transport errors,
// idle timeouts and policy kicks all route through here.
func (o *Orchestrator) Disconnect(connID core.ConnID) {
	user, hadUser := o.Registry.User(connID)
	rooms := o.Rooms.DropConn(connID)
	for _, roomID := range rooms {
		if hadUser {
			o.Typing.Clear(user.ID, roomID)
		}
		o.Presence.RoomChanged(roomID)
	}
	if o.Registry.Unregister(connID) {
		log.Info().Str("module", "app.orchestrator").Str("conn", string(connID)).Int("rooms", len(rooms)).Msg("disconnected")
	}
}

// kickAll applies the backpressure policy to slow consumers reported by
// a fan-out. No error event is sent: their queue is already full.
func (o *Orchestrator) kickAll(dropped []core.ConnID) {
	for _, connID := range dropped {
		if o.Policy != nil && o.Policy.OnBackpressure(connID) != Disconnect {
			continue
		}
		log.Warn().Str("module", "app.orchestrator").Str("conn", string(connID)).Msg("slow consumer disconnect")
		o.closeConn(connID)
	}
}

func (o *Orchestrator) closeConn(connID core.ConnID) {
	if conn, ok := o.Registry.Conn(connID); ok {
		conn.Close()
	}
	o.Registry.Cancel(connID)
	o.Disconnect(connID)
}

// RunIdleReaper closes connections with no inbound activity within the
// idle window. Runs until the context ends.
func (o *Orchestrator) RunIdleReaper(ctx context.Context) {
	interval := o.Opts.IdleTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-o.Opts.IdleTimeout)
			for _, connID := range o.Registry.IdleSince(cutoff) {
				log.Info().Str("module", "app.orchestrator").Str("conn", string(connID)).Msg("idle timeout")
				o.closeConn(connID)
			}
		}
	}
}

func (o *Orchestrator) send(connID core.ConnID, typ string, data any) {
	conn, ok := o.Registry.Conn(connID)
	if !ok {
		return
	}
	frame, err := domain.Encode(typ, data)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orchestrator").Str("type", typ).Msg("encode failed")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Debug().Err(err).Str("module", "app.orchestrator").Str("conn", string(connID)).Msg("send failed")
	}
}

func (o *Orchestrator) sendError(connID core.ConnID, cause error, msg string) {
	o.send(connID, domain.TypeError, domain.ErrorEvent{Code: domain.ReasonCode(cause), Message: msg})
}
