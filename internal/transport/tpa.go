package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/router"
	"github.com/sebas/cloudsessioncore/internal/session"
	"github.com/sebas/cloudsessioncore/internal/types"
)

// tpaConn wraps one TPA websocket connection and implements
// session.TpaLink.
type tpaConn struct {
	*conn
}

func (t *tpaConn) SendEnvelope(_ context.Context, env types.Envelope) error { return t.sendEnvelope(env) }
func (t *tpaConn) Close(code int, reason string)                           { t.close(code, reason) }

// TPAServer upgrades incoming HTTP requests to the TPA duplex websocket
// (§4.1) and hands parsed frames to the Router.
type TPAServer struct {
	router   *router.Router
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewTPAServer(r *router.Router, cfg Config, log zerolog.Logger) *TPAServer {
	return &TPAServer{
		router: r,
		cfg:    cfg,
		log:    log.With().Str("component", "transport.tpa").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *TPAServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	tc := &tpaConn{conn: newConn(ws, s.cfg, s.log)}
	go tc.writeLoop()

	ctx := req.Context()

	mt, raw, err := ws.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		tc.close(websocket.CloseProtocolError, "expected tpa_connection_init")
		return
	}
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != types.TPAInConnectionInit {
		tc.close(websocket.CloseProtocolError, "expected tpa_connection_init")
		return
	}
	var init types.TPAConnectionInit
	if err := json.Unmarshal(env.Payload, &init); err != nil {
		tc.close(websocket.CloseProtocolError, "malformed tpa_connection_init")
		return
	}

	sess, pkg, err := s.router.ConnectTPA(ctx, init.APIKey, init.SessionID, tc)
	if err != nil {
		closing := types.MustEnvelope(types.TPAOutSessionClosing, types.SessionClosing{Reason: err.Error()})
		_ = tc.sendEnvelope(closing)
		tc.close(4001, "auth_failed")
		return
	}
	defer s.router.DisconnectTPA(ctx, sess, pkg)

	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			code, reason, abrupt := closeCode(err)
			s.log.Debug().Int("code", code).Str("reason", reason).Bool("abrupt", abrupt).Str("session_id", sess.ID).Str("package", pkg).Msg("tpa link closed")
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := s.router.HandleTpaText(sess, pkg, raw); err != nil {
			s.log.Warn().Err(err).Str("package", pkg).Msg("tpa frame rejected")
		}
	}
}

var _ session.TpaLink = (*tpaConn)(nil)
