package dashboard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/types"
)

type fakeDisplay struct {
	mu  sync.Mutex
	out []types.DisplayRequest
}

func (f *fakeDisplay) Show(_ context.Context, req types.DisplayRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, req)
}

func (f *fakeDisplay) last() (types.DisplayRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return types.DisplayRequest{}, false
	}
	return f.out[len(f.out)-1], true
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	modes     []types.DashboardMode
	alwaysOns []bool
}

func (f *fakeBroadcaster) BroadcastDashboardModeChanged(_ context.Context, mode types.DashboardMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
}

func (f *fakeBroadcaster) BroadcastDashboardAlwaysOnChanged(_ context.Context, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alwaysOns = append(f.alwaysOns, enabled)
}

func TestComposeMain_S6(t *testing.T) {
	disp := &fakeDisplay{}
	bc := &fakeBroadcaster{}
	m := NewManager("sess-1", "system.dashboard", time.Hour, disp, bc, zerolog.Nop())
	defer m.Stop()
	ctx := context.Background()

	if err := m.SetMode(ctx, "system.dashboard", types.DashboardModeMain); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	m.UpdateSystemSection(ctx, "system.dashboard", "topLeft", "12:34")
	m.UpdateSystemSection(ctx, "system.dashboard", "topRight", "85%")
	m.UpdateSystemSection(ctx, "system.dashboard", "bottomLeft", "N:3")
	m.UpdateSystemSection(ctx, "system.dashboard", "bottomRight", "OK")
	m.SubmitContent(ctx, "com.x", types.Layout{Text: "steps 5280"}, []types.DashboardMode{types.DashboardModeMain})

	req, ok := disp.last()
	if !ok {
		t.Fatal("expected at least one composed layout")
	}
	if req.Layout.Kind != types.LayoutDoubleTextWall {
		t.Fatalf("expected DOUBLE_TEXT_WALL, got %v", req.Layout.Kind)
	}
	if req.Layout.Top != "12:34\nN:3" {
		t.Fatalf("unexpected top: %q", req.Layout.Top)
	}
	if req.Layout.Bottom != "85%\nOK\n\nsteps 5280" {
		t.Fatalf("unexpected bottom: %q", req.Layout.Bottom)
	}
}

func TestSetMode_RejectsNonSystemPackage(t *testing.T) {
	disp := &fakeDisplay{}
	bc := &fakeBroadcaster{}
	m := NewManager("sess-1", "system.dashboard", time.Hour, disp, bc, zerolog.Nop())
	defer m.Stop()
	ctx := context.Background()

	if err := m.SetMode(ctx, "com.evil", types.DashboardModeMain); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := m.UpdateSystemSection(ctx, "com.evil", "topLeft", "pwned"); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestModeChangeBroadcast(t *testing.T) {
	disp := &fakeDisplay{}
	bc := &fakeBroadcaster{}
	m := NewManager("sess-1", "system.dashboard", time.Hour, disp, bc, zerolog.Nop())
	defer m.Stop()
	ctx := context.Background()

	m.SetMode(ctx, "system.dashboard", types.DashboardModeExpanded)
	if len(bc.modes) != 1 || bc.modes[0] != types.DashboardModeExpanded {
		t.Fatalf("expected one mode-change broadcast, got %v", bc.modes)
	}
}
