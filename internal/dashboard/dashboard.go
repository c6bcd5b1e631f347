// Package dashboard implements the Dashboard Manager (§4.6): dashboard
// mode, the three per-mode content queues, section composition, and the
// periodic recomposition tick. Every DisplayRequest it produces targets
// view=DASHBOARD and flows through the Display Manager verbatim.
package dashboard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/types"
)

// ErrForbidden is returned when a non-system package attempts to change
// mode or write a system section (§4.6, testable property 8).
var ErrForbidden = errors.New("dashboard: only the system dashboard package may do this")

// DisplaySink receives the composed dashboard layout on every
// recomposition; the session's Display Manager implements this.
type DisplaySink interface {
	Show(ctx context.Context, req types.DisplayRequest)
}

// TPABroadcaster delivers dashboard_mode_changed / dashboard_always_on_changed
// to every TPA connected to the session.
type TPABroadcaster interface {
	BroadcastDashboardModeChanged(ctx context.Context, mode types.DashboardMode)
	BroadcastDashboardAlwaysOnChanged(ctx context.Context, enabled bool)
}

type sections struct {
	topLeft, topRight, bottomLeft, bottomRight string
}

// Manager is the per-session Dashboard Manager.
type Manager struct {
	mu sync.Mutex

	systemPkg string
	mode      types.DashboardMode
	alwaysOn  bool
	sections  sections

	mainQueue     map[string]types.DashboardContent
	expandedQueue map[string]types.DashboardContent
	alwaysOnQueue map[string]types.DashboardContent

	display  DisplaySink
	tpas     TPABroadcaster
	log      zerolog.Logger
	stopTick chan struct{}
}

func NewManager(sessionID, systemPkg string, tick time.Duration, display DisplaySink, tpas TPABroadcaster, log zerolog.Logger) *Manager {
	m := &Manager{
		systemPkg:     systemPkg,
		mode:          types.DashboardModeNone,
		mainQueue:     make(map[string]types.DashboardContent),
		expandedQueue: make(map[string]types.DashboardContent),
		alwaysOnQueue: make(map[string]types.DashboardContent),
		display:       display,
		tpas:          tpas,
		log:           log.With().Str("session_id", sessionID).Str("component", "dashboard").Logger(),
		stopTick:      make(chan struct{}),
	}
	go m.tickLoop(tick)
	return m
}

func (m *Manager) Stop() {
	close(m.stopTick)
}

func (m *Manager) tickLoop(tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-m.stopTick:
			return
		case <-t.C:
			m.recompose(context.Background())
		}
	}
}

// SetMode changes the active dashboard mode; system-package only.
func (m *Manager) SetMode(ctx context.Context, pkg string, mode types.DashboardMode) error {
	if pkg != m.systemPkg {
		return ErrForbidden
	}
	m.mu.Lock()
	changed := m.mode != mode
	m.mode = mode
	m.mu.Unlock()

	if changed {
		m.tpas.BroadcastDashboardModeChanged(ctx, mode)
	}
	m.recompose(ctx)
	return nil
}

// SetAlwaysOn toggles the always-on overlay; system-package only.
func (m *Manager) SetAlwaysOn(ctx context.Context, pkg string, enabled bool) error {
	if pkg != m.systemPkg {
		return ErrForbidden
	}
	m.mu.Lock()
	changed := m.alwaysOn != enabled
	m.alwaysOn = enabled
	m.mu.Unlock()

	if changed {
		m.tpas.BroadcastDashboardAlwaysOnChanged(ctx, enabled)
	}
	m.recompose(ctx)
	return nil
}

// UpdateSystemSection writes one of the four system sections; system
// package only.
func (m *Manager) UpdateSystemSection(ctx context.Context, pkg, section, content string) error {
	if pkg != m.systemPkg {
		return ErrForbidden
	}
	m.mu.Lock()
	switch section {
	case "topLeft":
		m.sections.topLeft = content
	case "topRight":
		m.sections.topRight = content
	case "bottomLeft":
		m.sections.bottomLeft = content
	case "bottomRight":
		m.sections.bottomRight = content
	}
	m.mu.Unlock()
	m.recompose(ctx)
	return nil
}

// SubmitContent is any TPA's submission to one or more mode queues; a
// TPA's prior entry in each queue it targets is overwritten (§4.6).
func (m *Manager) SubmitContent(ctx context.Context, pkg string, content types.Layout, modes []types.DashboardMode) {
	entry := types.DashboardContent{Package: pkg, Content: content, Timestamp: time.Now()}

	m.mu.Lock()
	for _, mode := range modes {
		switch mode {
		case types.DashboardModeMain:
			m.mainQueue[pkg] = entry
		case types.DashboardModeExpanded:
			m.expandedQueue[pkg] = entry
		case types.DashboardModeAlwaysOn:
			m.alwaysOnQueue[pkg] = entry
		}
	}
	m.mu.Unlock()

	m.recompose(ctx)
}

// ClearPackage drops pkg's entries from every queue, e.g. on TPA
// disconnect.
func (m *Manager) ClearPackage(pkg string) {
	m.mu.Lock()
	delete(m.mainQueue, pkg)
	delete(m.expandedQueue, pkg)
	delete(m.alwaysOnQueue, pkg)
	m.mu.Unlock()
}

func latest(queue map[string]types.DashboardContent) (types.DashboardContent, bool) {
	var best types.DashboardContent
	var found bool
	for _, c := range queue {
		if !found || c.Timestamp.After(best.Timestamp) {
			best = c
			found = true
		}
	}
	return best, found
}

func join(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n")
}

// compose builds the active layout per the §4.6 composition rules.
func (m *Manager) compose() (types.Layout, types.DashboardMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mode := m.mode
	if m.alwaysOn && mode == types.DashboardModeNone {
		mode = types.DashboardModeAlwaysOn
	}

	switch mode {
	case types.DashboardModeMain:
		top := join(m.sections.topLeft, m.sections.bottomLeft)
		bottom := join(m.sections.topRight, m.sections.bottomRight)
		if latestEntry, ok := latest(m.mainQueue); ok {
			// A blank line separates the system-composed part from the
			// TPA entry (spec §8 scenario S6's literal expected output).
			if bottom != "" {
				bottom = bottom + "\n\n" + latestEntry.Content.Text
			} else {
				bottom = latestEntry.Content.Text
			}
		}
		return types.Layout{Kind: types.LayoutDoubleTextWall, Top: top, Bottom: bottom}, mode

	case types.DashboardModeExpanded:
		header := m.sections.topLeft + " | " + m.sections.topRight
		body := header
		if latestEntry, ok := latest(m.expandedQueue); ok {
			body = join(header, latestEntry.Content.Text)
		}
		return types.Layout{Kind: types.LayoutTextWall, Text: body}, mode

	case types.DashboardModeAlwaysOn:
		bottom := m.sections.topRight
		if latestEntry, ok := latest(m.alwaysOnQueue); ok {
			bottom = join(bottom, latestEntry.Content.Text)
		}
		return types.Layout{Kind: types.LayoutDashboardCard, Title: m.sections.topLeft, Body: bottom}, mode

	default:
		return types.Layout{}, types.DashboardModeNone
	}
}

// CurrentDashboardRequest implements display.DashboardRestorer, letting
// the Display Manager restore the dashboard after a critical MAIN
// display's duration expires.
func (m *Manager) CurrentDashboardRequest() (types.DisplayRequest, bool) {
	layout, mode := m.compose()
	if mode == types.DashboardModeNone {
		return types.DisplayRequest{}, false
	}
	return types.DisplayRequest{
		Package:   m.systemPkg,
		View:      types.ViewDashboard,
		Layout:    layout,
		Timestamp: time.Now(),
	}, true
}

func (m *Manager) recompose(ctx context.Context) {
	req, ok := m.CurrentDashboardRequest()
	if !ok {
		return
	}
	m.display.Show(ctx, req)
}
