package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/router"
	"github.com/sebas/cloudsessioncore/internal/session"
	"github.com/sebas/cloudsessioncore/internal/types"
)

// glassesConn wraps one glasses websocket connection and implements
// session.GlassesLink.
type glassesConn struct {
	*conn
}

func (g *glassesConn) SendEnvelope(_ context.Context, env types.Envelope) error {
	return g.sendEnvelope(env)
}
func (g *glassesConn) SendBinary(_ context.Context, payload []byte) error { return g.sendBinary(payload) }
func (g *glassesConn) Close(code int, reason string)                     { g.close(code, reason) }

// GlassesServer upgrades incoming HTTP requests to the glasses duplex
// websocket (§4.1) and hands parsed frames to the Router.
type GlassesServer struct {
	router   *router.Router
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewGlassesServer builds the glasses endpoint. cfg.OutboundHighWaterMark,
// cfg.IdleTimeout and cfg.PingInterval come straight from config.Server.
func NewGlassesServer(r *router.Router, cfg Config, log zerolog.Logger) *GlassesServer {
	return &GlassesServer{
		router: r,
		cfg:    cfg,
		log:    log.With().Str("component", "transport.glasses").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler: one call per incoming connection, for
// the lifetime of that connection.
func (s *GlassesServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	gc := &glassesConn{conn: newConn(ws, s.cfg, s.log)}
	go gc.writeLoop()

	ctx := req.Context()

	mt, raw, err := ws.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		gc.close(websocket.CloseProtocolError, "expected connection_init")
		return
	}
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != types.GlassesInConnectionInit {
		gc.close(websocket.CloseProtocolError, "expected connection_init")
		return
	}
	var init types.ConnectionInit
	if err := json.Unmarshal(env.Payload, &init); err != nil {
		gc.close(websocket.CloseProtocolError, "malformed connection_init")
		return
	}

	sess, err := s.router.ConnectGlasses(ctx, init.CoreToken, gc)
	if err != nil {
		errEnv := types.MustEnvelope(types.GlassesOutAuthError, types.AuthError{Reason: err.Error()})
		_ = gc.sendEnvelope(errEnv)
		time.Sleep(50 * time.Millisecond) // best-effort flush before close
		gc.close(4001, "auth_failed")
		return
	}
	defer s.router.DisconnectGlasses(sess)

	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			code, reason, abrupt := closeCode(err)
			s.log.Debug().Int("code", code).Str("reason", reason).Bool("abrupt", abrupt).Str("session_id", sess.ID).Msg("glasses link closed")
			return
		}
		switch mt {
		case websocket.TextMessage:
			if err := s.router.HandleGlassesText(sess, raw); err != nil {
				s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("glasses frame rejected")
			}
		case websocket.BinaryMessage:
			s.router.HandleGlassesBinary(sess, raw)
		}
	}
}

var _ session.GlassesLink = (*glassesConn)(nil)
