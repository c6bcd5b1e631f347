// Package session implements the Session Registry (§4.2) and the
// UserSession actor (§4.3): the per-user aggregate owning the glasses
// link, the set of TPA links, and the Display/Dashboard/Subscription/
// Audio/Media subsystems. Router-dispatched handlers run on the session's
// own inbox goroutine (§5); link and cache state is guarded by a mutex.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/audio"
	"github.com/sebas/cloudsessioncore/internal/dashboard"
	"github.com/sebas/cloudsessioncore/internal/display"
	"github.com/sebas/cloudsessioncore/internal/media"
	"github.com/sebas/cloudsessioncore/internal/pubsub"
	"github.com/sebas/cloudsessioncore/internal/store"
	"github.com/sebas/cloudsessioncore/internal/subscription"
	"github.com/sebas/cloudsessioncore/internal/transcription"
	"github.com/sebas/cloudsessioncore/internal/types"
)

// GlassesLink is the transport-layer handle for the glasses duplex
// connection; the transport package implements this over a
// *websocket.Conn.
type GlassesLink interface {
	SendEnvelope(ctx context.Context, env types.Envelope) error
	SendBinary(ctx context.Context, payload []byte) error
	Close(code int, reason string)
}

// TpaLink is the transport-layer handle for one TPA's duplex connection.
type TpaLink interface {
	SendEnvelope(ctx context.Context, env types.Envelope) error
	Close(code int, reason string)
}

// Config bundles every tunable the session's subsystems need, sourced
// from internal/config.
type Config struct {
	SystemDashboardPackage string
	GlassesGrace           time.Duration
	OutboundGlassesBufCap  int
	Display                display.Config
	DashboardTick          time.Duration
	Audio                  audio.Config
	PhotoExpire            time.Duration
	Broadcaster            pubsub.Broadcaster
}

// UserSession is the per-user aggregate described in §4.3. All exported
// methods are safe to call from any goroutine. Post enqueues work onto
// the session's single inbox goroutine; the other methods run on the
// caller's goroutine, with link and cache state guarded by mu.
type UserSession struct {
	ID     string
	UserID string

	cfg Config
	log zerolog.Logger

	mu             sync.Mutex
	glasses        GlassesLink
	glassesBuf     []types.Envelope // bounded outbound buffer kept during grace window
	tpas           map[string]TpaLink
	installedCache map[string]bool
	lastActivity   time.Time
	teardownTimer  *time.Timer
	destroyed      bool

	subs      *subscription.Manager
	display   *display.Manager
	dashboard *dashboard.Manager
	audioBuf  *audio.Buffer
	audioSend *audio.Sender
	photos    *media.Table

	onDestroy func(reason string)

	inbox chan func(ctx context.Context)
}

// New constructs a UserSession and starts its actor goroutine. The
// caller (Session Registry) is responsible for registering it and for
// attaching a media.Table via SetPhotoTable once one is constructed.
func New(id, userID string, cfg Config, st store.Store, tc transcription.Control, log zerolog.Logger) *UserSession {
	s := &UserSession{
		ID:             id,
		UserID:         userID,
		cfg:            cfg,
		log:            log.With().Str("session_id", id).Str("user_id", userID).Logger(),
		tpas:           make(map[string]TpaLink),
		installedCache: make(map[string]bool),
		lastActivity:   time.Now(),
		inbox:          make(chan func(ctx context.Context), 256),
	}

	s.subs = subscription.NewManager(id, tc, s, cfg.Broadcaster, s.log)
	s.display = display.NewManager(id, cfg.Display, s, s, nil, s.log)
	s.dashboard = dashboard.NewManager(id, cfg.SystemDashboardPackage, cfg.DashboardTick, s.display, s, s.log)
	s.display.SetDashboard(s.dashboard)
	s.audioBuf = audio.NewBuffer(cfg.Audio)
	s.audioSend = audio.NewSender(s.audioBuf, s.subs, s, nil, s.log)

	go s.run()
	go s.audioSend.Run(context.Background())
	return s
}

func (s *UserSession) run() {
	ctx := context.Background()
	for fn := range s.inbox {
		s.safeInvoke(ctx, fn)
	}
}

// safeInvoke implements the §4.3 failure semantics: a panic inside a
// handler is caught, logged with session id and does not terminate the
// session.
func (s *UserSession) safeInvoke(ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("recovered panic in session handler")
		}
	}()
	fn(ctx)
}

func (s *UserSession) post(fn func(ctx context.Context)) {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}
	select {
	case s.inbox <- fn:
	default:
		s.log.Warn().Msg("inbox full, dropping message")
	}
}

// --- Registry-facing operations (§4.2) ---

// AttachGlasses swaps in a new glasses link, cancelling any pending
// teardown timer, and reports whether this was a reconnection: true when
// a previous link was still attached or the grace timer was running.
func (s *UserSession) AttachGlasses(link GlassesLink) (reconnected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reconnected = s.teardownTimer != nil || s.glasses != nil
	if s.teardownTimer != nil {
		s.teardownTimer.Stop()
		s.teardownTimer = nil
	}
	s.glasses = link
	s.lastActivity = time.Now()

	buffered := s.glassesBuf
	s.glassesBuf = nil
	go func() {
		ctx := context.Background()
		for _, env := range buffered {
			_ = link.SendEnvelope(ctx, env)
		}
		if reconnected {
			s.audioSend.Reconnect(ctx)
			_ = s.display.RetryCurrent(ctx)
		}
	}()
	return reconnected
}

// DetachGlasses clears the glasses link and starts the teardown grace
// timer (§4.2).
func (s *UserSession) DetachGlasses() {
	s.mu.Lock()
	s.glasses = nil
	if s.teardownTimer != nil {
		s.teardownTimer.Stop()
	}
	s.teardownTimer = time.AfterFunc(s.cfg.GlassesGrace, func() {
		if s.onDestroy != nil {
			s.onDestroy("glasses_grace_expired")
		}
	})
	s.mu.Unlock()
}

// AttachTpa registers or replaces the link for pkg.
func (s *UserSession) AttachTpa(pkg string, link TpaLink) {
	s.mu.Lock()
	s.tpas[pkg] = link
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// DetachTpa removes pkg's link and clears its subscriptions/dashboard
// entries (§3 invariant: no zombie subscriptions).
func (s *UserSession) DetachTpa(ctx context.Context, pkg string) {
	s.mu.Lock()
	delete(s.tpas, pkg)
	s.mu.Unlock()

	s.subs.Clear(ctx, pkg)
	s.dashboard.ClearPackage(pkg)
}

// IsInstalled consults the install_state cache (§4.3).
func (s *UserSession) IsInstalled(pkg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installedCache[pkg]
}

// SetInstalledApps replaces the cached install set, e.g. on connection_init.
func (s *UserSession) SetInstalledApps(pkgs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installedCache = make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		s.installedCache[p] = true
	}
}

// Destroy tears the session down: closes every link, stops every
// subsystem's timers, and notifies TPAs with a structured close (§4.2).
func (s *UserSession) Destroy(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	if s.teardownTimer != nil {
		s.teardownTimer.Stop()
	}
	glasses := s.glasses
	tpas := make(map[string]TpaLink, len(s.tpas))
	for k, v := range s.tpas {
		tpas[k] = v
	}
	s.mu.Unlock()

	s.display.Stop()
	s.dashboard.Stop()
	s.audioSend.Stop()

	for pkg, link := range tpas {
		env := types.MustEnvelope(types.TPAOutSessionClosing, types.SessionClosing{Reason: reason})
		_ = link.SendEnvelope(ctx, env)
		link.Close(1000, reason)
		_ = pkg
	}
	if glasses != nil {
		glasses.Close(1000, reason)
	}
	close(s.inbox)
}

// --- Subsystem accessors, used by the router ---

func (s *UserSession) Subscriptions() *subscription.Manager { return s.subs }
func (s *UserSession) Display() *display.Manager            { return s.display }
func (s *UserSession) Dashboard() *dashboard.Manager         { return s.dashboard }
func (s *UserSession) AudioBuffer() *audio.Buffer            { return s.audioBuf }

func (s *UserSession) SetPhotoTable(t *media.Table) { s.photos = t }
func (s *UserSession) Photos() *media.Table          { return s.photos }

// ConnectedPackages lists every TPA package currently linked to this
// session, used to compose connection_ack.activeAppPackageNames.
func (s *UserSession) ConnectedPackages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tpas))
	for pkg := range s.tpas {
		out = append(out, pkg)
	}
	return out
}

// Post enqueues arbitrary work onto the session's actor inbox, used by
// the router to dispatch inbound frames (§4.3 inbox message kinds).
func (s *UserSession) Post(fn func(ctx context.Context)) { s.post(fn) }

// OnDestroyed registers the callback the Session Registry uses to drop
// this session once grace expires or an explicit destroy happens.
func (s *UserSession) OnDestroyed(fn func(reason string)) { s.onDestroy = fn }

// Touch records inbound activity for idle/health observability.
func (s *UserSession) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// --- display.GlassesSink / subscription.MicrophoneSink / audio.TPAFanout
// / media.TPANotifier / dashboard.TPABroadcaster implementations ---

// SendDisplay implements display.GlassesSink: it sends a display_event to
// the glasses link, or buffers it (bounded, drop-oldest) during the grace
// window when no link is attached (§4.2).
func (s *UserSession) SendDisplay(ctx context.Context, req types.DisplayRequest) error {
	var durMs *int64
	if req.Duration > 0 {
		ms := req.Duration.Milliseconds()
		durMs = &ms
	}
	env := types.MustEnvelope(types.GlassesOutDisplayEvent, types.DisplayEvent{
		PackageName: req.Package,
		View:        req.View,
		Layout:      req.Layout,
		DurationMs:  durMs,
	})
	return s.sendToGlasses(ctx, env)
}

func (s *UserSession) SetMicrophoneEnabled(ctx context.Context, enabled bool) {
	env := types.MustEnvelope(types.GlassesOutMicrophoneState, types.MicrophoneStateChange{IsMicrophoneEnabled: enabled})
	_ = s.sendToGlasses(ctx, env)
}

func (s *UserSession) SendTakePhoto(ctx context.Context, requestID string) error {
	env := types.Envelope{Type: "take_photo", Payload: mustJSON(map[string]string{"requestId": requestID})}
	return s.sendToGlasses(ctx, env)
}

func (s *UserSession) sendToGlasses(ctx context.Context, env types.Envelope) error {
	s.mu.Lock()
	link := s.glasses
	if link == nil {
		s.glassesBuf = append(s.glassesBuf, env)
		if len(s.glassesBuf) > s.cfg.OutboundGlassesBufCap {
			s.glassesBuf = s.glassesBuf[len(s.glassesBuf)-s.cfg.OutboundGlassesBufCap:]
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return link.SendEnvelope(ctx, env)
}

func (s *UserSession) tpaLink(pkg string) (TpaLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.tpas[pkg]
	return l, ok
}

func (s *UserSession) NotifyDisplayStatus(ctx context.Context, pkg string, status types.DisplayStatus, reason string) {
	link, ok := s.tpaLink(pkg)
	if !ok {
		return
	}
	env := types.MustEnvelope(types.TPAOutDisplayRequestStatus, types.DisplayRequestStatus{Status: status, Reason: reason})
	_ = link.SendEnvelope(ctx, env)
}

func (s *UserSession) BroadcastDashboardModeChanged(ctx context.Context, mode types.DashboardMode) {
	env := types.MustEnvelope(types.TPAOutDashboardModeChanged, types.DashboardModeChanged{Mode: mode})
	s.broadcastToTPAs(ctx, env)
}

func (s *UserSession) BroadcastDashboardAlwaysOnChanged(ctx context.Context, enabled bool) {
	env := types.MustEnvelope(types.TPAOutDashboardAlwaysOnChanged, types.DashboardAlwaysOnChanged{Enabled: enabled})
	s.broadcastToTPAs(ctx, env)
}

func (s *UserSession) broadcastToTPAs(ctx context.Context, env types.Envelope) {
	s.mu.Lock()
	links := make([]TpaLink, 0, len(s.tpas))
	for _, l := range s.tpas {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		_ = l.SendEnvelope(ctx, env)
	}
}

// SendAudioChunk implements audio.TPAFanout.
func (s *UserSession) SendAudioChunk(ctx context.Context, pkg string, frame types.AudioFrame) error {
	link, ok := s.tpaLink(pkg)
	if !ok {
		return nil
	}
	payload := mustJSON(struct {
		Sequence uint64 `json:"sequence"`
		Data     string `json:"data"`
	}{Sequence: frame.Sequence, Data: base64.StdEncoding.EncodeToString(frame.Payload)})
	env := types.MustEnvelope(types.TPAOutDataStream, types.DataStream{StreamKind: types.StreamAudioChunk, Payload: payload})
	return link.SendEnvelope(ctx, env)
}

// SendDataStream fans out an arbitrary subscribed stream kind (head
// position, battery, location, calendar events, …) to one TPA's link.
func (s *UserSession) SendDataStream(ctx context.Context, pkg string, kind types.StreamKind, payload json.RawMessage) error {
	link, ok := s.tpaLink(pkg)
	if !ok {
		return nil
	}
	env := types.MustEnvelope(types.TPAOutDataStream, types.DataStream{StreamKind: kind, Payload: payload})
	return link.SendEnvelope(ctx, env)
}

// SendButtonPress implements media.TPANotifier.
func (s *UserSession) SendButtonPress(ctx context.Context, pkg, buttonID string, pressType types.ButtonPressType) error {
	link, ok := s.tpaLink(pkg)
	if !ok {
		return fmt.Errorf("session: no link for package %s", pkg)
	}
	payload := mustJSON(types.ButtonPressEvent{ButtonID: buttonID, PressType: pressType})
	env := types.MustEnvelope(types.TPAOutDataStream, types.DataStream{StreamKind: types.StreamButtonPress, Payload: payload})
	return link.SendEnvelope(ctx, env)
}

// SendPhotoTaken implements media.TPANotifier.
func (s *UserSession) SendPhotoTaken(ctx context.Context, pkg, requestID, url string) error {
	if pkg == media.SystemPackage {
		return nil
	}
	link, ok := s.tpaLink(pkg)
	if !ok {
		return nil
	}
	env := types.MustEnvelope(types.TPAOutPhotoTaken, types.PhotoTaken{RequestID: requestID, URL: url})
	return link.SendEnvelope(ctx, env)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("session: marshal: %v", err))
	}
	return b
}
