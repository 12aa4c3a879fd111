package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"roomrelay/internal/adapters/ws"
)

var upgrader = websocket.Upgrader{
	// TODO(origin-check): restrict to the deployed frontend origin once
	// it is known.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection and runs its pumps. The credential
// may ride on the upgrade request (?token=) or arrive as the first
// frame; either way the session starts in Connecting and nothing is
// dispatched until the handshake succeeds.
func (s *Server) handleWS(ctx context.Context, c *gin.Context) {
	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.httpapi").Msg("ws upgrade failed")
		return
	}

	conn := ws.NewConn(sock, s.cfg.SendQueueSize)
	connCtx, cancel := context.WithCancel(ctx)
	connID := s.orch.Connect(conn, cancel)
	log.Info().Str("module", "adapters.httpapi").Str("conn", string(connID)).Msg("ws connected")

	if token := c.Query("token"); token != "" {
		if err := s.orch.AuthenticateToken(connCtx, connID, token); err != nil {
			cancel()
			conn.Close()
			s.orch.Disconnect(connID)
			return
		}
	}

	go conn.Run(connCtx, ws.Pumps{
		ReadLimit:  s.cfg.ReadLimit,
		PingPeriod: s.cfg.PingPeriod,
		OnFrame: func(frameCtx context.Context, frame []byte) {
			s.orch.OnFrame(frameCtx, connID, frame)
		},
		OnClose: func() {
			cancel()
			s.orch.Disconnect(connID)
		},
	})
}
