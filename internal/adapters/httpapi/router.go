// Package httpapi wires the REST surface and the websocket upgrade
// endpoint. Room creation and invites live with the directory
// collaborator, so everything here is read-only except the upgrade.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"roomrelay/internal/app"
	"roomrelay/internal/config"
	"roomrelay/internal/domain"
)

// RoomReader is the directory view the REST endpoints need.
type RoomReader interface {
	Rooms(ctx context.Context) ([]domain.Room, error)
	Room(ctx context.Context, roomID domain.RoomID) (domain.Room, error)
	IsMember(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (bool, error)
}

type Server struct {
	cfg     *config.Config
	orch    *app.Orchestrator
	rooms   RoomReader
	history app.HistoryStore
}

func NewServer(cfg *config.Config, orch *app.Orchestrator, rooms RoomReader, history app.HistoryStore) *Server {
	return &Server{cfg: cfg, orch: orch, rooms: rooms, history: history}
}

func (s *Server) SetupRouter(ctx context.Context) *gin.Engine {
	if s.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if s.cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(s.cfg.Secret))
	r.Use(sessions.Sessions("RoomRelaySessions", store))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": s.orch.Registry.Len()})
	})

	api := r.Group("/api")

	api.GET("/rooms", s.listRooms)
	api.GET("/rooms/:id", s.roomInfo)
	api.GET("/rooms/:id/messages", s.roomMessages)
	api.GET("/rooms/:id/typing", s.roomTyping)

	r.GET("/ws", func(c *gin.Context) {
		s.handleWS(ctx, c)
	})

	log.Info().Str("module", "adapters.httpapi").Msg("router setup")
	return r
}

func (s *Server) listRooms(c *gin.Context) {
	rooms, err := s.rooms.Rooms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "directory unavailable"})
		return
	}
	type roomView struct {
		domain.Room
		LiveCount int `json:"live_count"`
	}
	out := make([]roomView, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomView{Room: room, LiveCount: s.orch.Rooms.LiveCount(room.ID)})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

func (s *Server) roomInfo(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	room, err := s.rooms.Room(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ReasonCode(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room":   room,
		"online": s.orch.Presence.OnlineUsers(roomID),
	})
}

func (s *Server) roomMessages(c *gin.Context) {
	user, ok := s.bearerUser(c)
	if !ok {
		return
	}
	roomID := domain.RoomID(c.Param("id"))
	member, err := s.rooms.IsMember(c.Request.Context(), user.ID, roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "directory unavailable"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": domain.ReasonCode(domain.ErrNotAMember)})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := s.history.Recent(c.Request.Context(), roomID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) roomTyping(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"typing": s.orch.Typing.ActiveTypers(roomID)})
}

// bearerUser validates the Authorization header against the same
// verifier the handshake uses.
func (s *Server) bearerUser(c *gin.Context) (domain.User, bool) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": domain.ReasonCode(domain.ErrUnauthorized)})
		return domain.User{}, false
	}
	user, err := s.orch.Auth.Verify(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": domain.ReasonCode(domain.ErrUnauthorized)})
		return domain.User{}, false
	}
	return user, true
}
