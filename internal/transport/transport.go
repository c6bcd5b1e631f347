// Package transport implements the two duplex endpoints (§4.1): one
// accepting the glasses device's single connection per user, one
// accepting one connection per TPA-session pair. Both are built on the
// same outbound-queue/backpressure/keepalive primitives; only the
// handshake and message dispatch differ (see glasses.go / tpa.go).
package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/types"
)

// Config sizes the keepalive and backpressure behavior shared by both
// endpoints (§4.1, §6 Server config).
type Config struct {
	IdleTimeout           time.Duration
	PingInterval          time.Duration
	OutboundHighWaterMark int
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.OutboundHighWaterMark <= 0 {
		c.OutboundHighWaterMark = 256
	}
	return c
}

type outboundFrame struct {
	messageType int
	data        []byte
	audioClass  bool
}

// ErrBackpressureOverflow is the §7 backpressure_overflow kind for a
// control frame that could not be queued; enqueue has already closed the
// link when it returns this.
var ErrBackpressureOverflow = fmt.Errorf("transport: control outbound queue saturated")

// conn is the shared writer/reader plumbing for one websocket connection:
// a bounded outbound queue (audio-class frames dropped first under
// backpressure, control frames never dropped — overflow there closes the
// link instead), a keepalive ping ticker, and idle-timeout enforcement via
// read deadlines refreshed on every pong.
type conn struct {
	ws  *websocket.Conn
	cfg Config
	log zerolog.Logger

	out       chan outboundFrame
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, cfg Config, log zerolog.Logger) *conn {
	cfg = cfg.withDefaults()
	c := &conn{
		ws:     ws,
		cfg:    cfg,
		log:    log,
		out:    make(chan outboundFrame, cfg.OutboundHighWaterMark),
		closed: make(chan struct{}),
	}
	ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		return nil
	})
	return c
}

// enqueue implements the §4.1 backpressure contract. A full queue drops
// the newest audio-class frame; a full queue on a control frame closes the
// link and returns ErrBackpressureOverflow (backpressure_overflow, §7).
func (c *conn) enqueue(mt int, data []byte, audioClass bool) error {
	select {
	case <-c.closed:
		return fmt.Errorf("transport: connection closed")
	default:
	}

	select {
	case c.out <- outboundFrame{messageType: mt, data: data, audioClass: audioClass}:
		return nil
	default:
		if audioClass {
			c.log.Warn().Msg("outbound queue saturated, dropping audio frame")
			return nil
		}
		c.log.Warn().Msg("outbound queue saturated on a control frame, closing connection")
		c.closeNow()
		return ErrBackpressureOverflow
	}
}

func (c *conn) sendEnvelope(env types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	return c.enqueue(websocket.TextMessage, data, false)
}

func (c *conn) sendBinary(payload []byte) error {
	return c.enqueue(websocket.BinaryMessage, payload, true)
}

// writeLoop drains the outbound queue and sends keepalive pings until
// close. Must run in its own goroutine for the lifetime of the connection.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.out:
			if err := c.ws.WriteMessage(frame.messageType, frame.data); err != nil {
				c.log.Debug().Err(err).Msg("write failed, closing connection")
				c.closeNow()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("ping failed, closing connection")
				c.closeNow()
				return
			}
		}
	}
}

func (c *conn) closeNow() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *conn) close(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.closeNow()
}

// closeCode classifies an error returned from ReadMessage into the
// (code, reason, abrupt?) triple §4.1 requires the owner be told.
func closeCode(err error) (code int, reason string, abrupt bool) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text, false
	}
	return websocket.CloseAbnormalClosure, err.Error(), true
}
