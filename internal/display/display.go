// Package display implements the Display Manager (§4.5): the single
// writer arbitrating every app's competing demand on the glasses MAIN
// view, plus the boot-screen flow and per-package throttling that
// replaces the original design's single global pending slot (§9).
package display

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/types"
)

// GlassesSink is the session's glasses link, the only consumer of emitted
// ActiveDisplays.
type GlassesSink interface {
	SendDisplay(ctx context.Context, req types.DisplayRequest) error
}

// StatusNotifier delivers the observable per-request status feedback every
// TPA receives for every display attempt it makes (§4.5, testable
// property 3).
type StatusNotifier interface {
	NotifyDisplayStatus(ctx context.Context, pkg string, status types.DisplayStatus, reason string)
}

// DashboardRestorer lets the Display Manager ask what the Dashboard
// Manager currently wants shown, so a critical MAIN display can hand the
// screen back once it expires (decision recorded in DESIGN.md, open
// question (b)).
type DashboardRestorer interface {
	CurrentDashboardRequest() (types.DisplayRequest, bool)
}

type bootState struct {
	startedAt time.Time
	queue     []types.DisplayRequest
	timer     *time.Timer
	// booting is true only for the package StartApp was called for; a
	// bootState created purely to hold another package's deferred
	// requests (§4.5 step 2b) has booting=false and no timer of its own.
	booting bool
}

type throttleState struct {
	lastSendTime time.Time
	pending      *types.DisplayRequest
	timer        *time.Timer
}

// Manager is the per-session Display Manager. Not safe to share across
// sessions.
type Manager struct {
	mu sync.Mutex

	systemDashboardPkg string
	throttleDur        time.Duration
	bootDur            time.Duration
	bootQueueCap       int

	current     *types.ActiveDisplay
	boot        map[string]*bootState
	throttle    map[string]*throttleState
	expiryTimer *time.Timer

	glasses   GlassesSink
	notifier  StatusNotifier
	dashboard DashboardRestorer
	log       zerolog.Logger
}

type Config struct {
	SystemDashboardPackage string
	Throttle               time.Duration
	Boot                   time.Duration
	BootQueueCap           int
}

func NewManager(sessionID string, cfg Config, glasses GlassesSink, notifier StatusNotifier, dashboard DashboardRestorer, log zerolog.Logger) *Manager {
	return &Manager{
		systemDashboardPkg: cfg.SystemDashboardPackage,
		throttleDur:        cfg.Throttle,
		bootDur:            cfg.Boot,
		bootQueueCap:       cfg.BootQueueCap,
		boot:               make(map[string]*bootState),
		throttle:           make(map[string]*throttleState),
		glasses:            glasses,
		notifier:           notifier,
		dashboard:          dashboard,
		log:                log.With().Str("session_id", sessionID).Str("component", "display").Logger(),
	}
}

// SetDashboard binds the DashboardRestorer after construction, breaking
// the Display/Dashboard manager construction cycle (each needs a handle
// to the other).
func (m *Manager) SetDashboard(d DashboardRestorer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dashboard = d
}

// Stop cancels every pending timer owned by this manager; called when the
// session is destroyed (§5).
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.boot {
		if b.timer != nil {
			b.timer.Stop()
		}
	}
	for _, t := range m.throttle {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
	}
}

// Show handles a DisplayRequest per the §4.5 algorithm.
func (m *Manager) Show(ctx context.Context, req types.DisplayRequest) {
	if req.View == types.ViewDashboard {
		m.showDashboard(ctx, req)
		return
	}
	m.showMain(ctx, req)
}

func (m *Manager) showDashboard(ctx context.Context, req types.DisplayRequest) {
	if req.Package != m.systemDashboardPkg {
		m.notifier.NotifyDisplayStatus(ctx, req.Package, types.DisplayStatusRejected, "only the dashboard manager may write the DASHBOARD view")
		return
	}
	m.mu.Lock()
	m.current = &types.ActiveDisplay{Request: req, ShownAt: time.Now()}
	m.mu.Unlock()

	m.emit(ctx, req)
	m.notifier.NotifyDisplayStatus(ctx, req.Package, types.DisplayStatusDisplayed, "")
}

func (m *Manager) showMain(ctx context.Context, req types.DisplayRequest) {
	pkg := req.Package

	m.mu.Lock()

	if _, booting := m.boot[pkg]; booting && req.Priority != types.PriorityCritical {
		m.enqueueBootLocked(pkg, req)
		m.mu.Unlock()
		m.notifier.NotifyDisplayStatus(ctx, pkg, types.DisplayStatusQueuedBoot, "")
		return
	}

	if req.Priority != types.PriorityCritical && m.anyOtherBootingLocked(pkg) {
		m.enqueueBootLocked(pkg, req)
		m.mu.Unlock()
		m.notifier.NotifyDisplayStatus(ctx, pkg, types.DisplayStatusQueuedBoot, "")
		return
	}

	ts := m.throttle[pkg]
	if ts == nil {
		ts = &throttleState{}
		m.throttle[pkg] = ts
	}

	if !ts.lastSendTime.IsZero() && time.Since(ts.lastSendTime) < m.throttleDur {
		ts.pending = &req
		if ts.timer == nil {
			fireAt := ts.lastSendTime.Add(m.throttleDur)
			ts.timer = time.AfterFunc(time.Until(fireAt), func() { m.onThrottleTick(context.Background(), pkg) })
		}
		m.mu.Unlock()
		m.notifier.NotifyDisplayStatus(ctx, pkg, types.DisplayStatusThrottled, "")
		return
	}

	m.deliverLocked(req)
	ts.lastSendTime = time.Now()
	m.mu.Unlock()

	m.emit(ctx, req)
	m.notifier.NotifyDisplayStatus(ctx, pkg, types.DisplayStatusDisplayed, "")
	m.scheduleExpiry(req)
}

// deliverLocked updates current and schedules duration expiry housekeeping;
// caller holds m.mu.
func (m *Manager) deliverLocked(req types.DisplayRequest) {
	ad := types.ActiveDisplay{Request: req, ShownAt: time.Now()}
	if req.Duration > 0 {
		ad.ExpiresAt = ad.ShownAt.Add(req.Duration)
	}
	m.current = &ad
}

func (m *Manager) enqueueBootLocked(pkg string, req types.DisplayRequest) {
	b := m.boot[pkg]
	if b == nil {
		b = &bootState{startedAt: time.Now()}
		m.boot[pkg] = b
	}
	b.queue = append(b.queue, req)
	if len(b.queue) > m.bootQueueCap {
		b.queue = b.queue[len(b.queue)-m.bootQueueCap:]
	}
}

func (m *Manager) anyOtherBootingLocked(pkg string) bool {
	for p, b := range m.boot {
		if p != pkg && b.booting {
			return true
		}
	}
	return false
}

// scheduleExpiry arms a one-shot expiry for req's duration, if any.
func (m *Manager) scheduleExpiry(req types.DisplayRequest) {
	if req.Duration <= 0 {
		return
	}
	m.mu.Lock()
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
	}
	m.expiryTimer = time.AfterFunc(req.Duration, func() { m.onExpiry(context.Background(), req) })
	m.mu.Unlock()
}

func (m *Manager) onExpiry(ctx context.Context, req types.DisplayRequest) {
	m.mu.Lock()
	if m.current == nil || m.current.Request.Package != req.Package || m.current.Request.Timestamp != req.Timestamp {
		m.mu.Unlock()
		return
	}
	m.current = nil
	dashboard := m.dashboard
	m.mu.Unlock()

	if dashboard == nil {
		return
	}
	if dash, ok := dashboard.CurrentDashboardRequest(); ok {
		m.showDashboard(ctx, dash)
	}
}

// StartApp begins a boot window for pkg (§4.5 "Boot flow").
func (m *Manager) StartApp(ctx context.Context, pkg string, appName string) {
	m.mu.Lock()
	if _, exists := m.boot[pkg]; exists {
		m.mu.Unlock()
		return
	}
	b := &bootState{startedAt: time.Now(), booting: true}
	b.timer = time.AfterFunc(m.bootDur, func() { m.onBootTick(context.Background(), pkg) })
	m.boot[pkg] = b
	m.mu.Unlock()

	bootCard := types.DisplayRequest{
		Package:   m.systemDashboardPkg,
		View:      types.ViewMain,
		Layout:    types.Layout{Kind: types.LayoutDashboardCard, Title: "Starting", Body: appName},
		Priority:  types.PriorityCritical,
		Timestamp: time.Now(),
	}
	m.emit(ctx, bootCard)
}

// onThrottleTick fires when a per-package pending request's throttle
// window elapses; a send by any other package never clears this one
// (§4.5, the explicit per-app-independence fix in §9).
func (m *Manager) onThrottleTick(ctx context.Context, pkg string) {
	m.mu.Lock()
	ts := m.throttle[pkg]
	if ts == nil || ts.pending == nil {
		if ts != nil {
			ts.timer = nil
		}
		m.mu.Unlock()
		return
	}
	req := *ts.pending
	ts.pending = nil
	ts.timer = nil
	m.deliverLocked(req)
	ts.lastSendTime = time.Now()
	m.mu.Unlock()

	m.emit(ctx, req)
	m.notifier.NotifyDisplayStatus(ctx, pkg, types.DisplayStatusDisplayed, "")
	m.scheduleExpiry(req)
}

// onBootTick fires T_boot after StartApp; drains pkg's own boot queue, then
// re-submits any other package's queue that was deferred behind pkg.
func (m *Manager) onBootTick(ctx context.Context, pkg string) {
	m.mu.Lock()
	b := m.boot[pkg]
	delete(m.boot, pkg)

	var stillBooting bool
	for _, ob := range m.boot {
		if ob.booting {
			stillBooting = true
			break
		}
	}

	var deferred map[string]*bootState
	if !stillBooting {
		deferred = m.boot
		m.boot = make(map[string]*bootState)
	}
	m.mu.Unlock()

	if b == nil {
		return
	}
	for _, req := range b.queue {
		m.showMain(ctx, req)
	}

	for _, ob := range deferred {
		for _, req := range ob.queue {
			m.showMain(ctx, req)
		}
	}
}

func (m *Manager) emit(ctx context.Context, req types.DisplayRequest) {
	if err := m.glasses.SendDisplay(ctx, req); err != nil {
		m.log.Warn().Err(err).Str("package", req.Package).Msg("display write failed, marking undelivered")
	}
}

// ErrNotCurrent is returned by RetryCurrent when there is no active
// display, or the active one has expired, so a retry would be meaningless.
var ErrNotCurrent = fmt.Errorf("display: request is no longer current")

// RetryCurrent re-sends the single current display (whichever view it
// targets) on glasses reconnect (§4.5 failure semantics); it does not
// retry expired requests.
func (m *Manager) RetryCurrent(ctx context.Context) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return ErrNotCurrent
	}
	if !cur.ExpiresAt.IsZero() && time.Now().After(cur.ExpiresAt) {
		return ErrNotCurrent
	}
	return m.glasses.SendDisplay(ctx, cur.Request)
}
