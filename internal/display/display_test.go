package display

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/types"
)

type recordedDisplay struct {
	pkg string
	req types.DisplayRequest
}

type fakeGlasses struct {
	mu  sync.Mutex
	out []types.DisplayRequest
}

func (f *fakeGlasses) SendDisplay(_ context.Context, req types.DisplayRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, req)
	return nil
}

func (f *fakeGlasses) snapshot() []types.DisplayRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.DisplayRequest(nil), f.out...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []recordedDisplay
}

func (f *fakeNotifier) NotifyDisplayStatus(_ context.Context, pkg string, status types.DisplayStatus, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, recordedDisplay{pkg: pkg, req: types.DisplayRequest{Layout: types.Layout{Text: string(status)}}})
}

func (f *fakeNotifier) statusesFor(pkg string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.statuses {
		if s.pkg == pkg {
			out = append(out, s.req.Layout.Text)
		}
	}
	return out
}

type noDashboard struct{}

func (noDashboard) CurrentDashboardRequest() (types.DisplayRequest, bool) { return types.DisplayRequest{}, false }

func newTestManager(throttle, boot time.Duration) (*Manager, *fakeGlasses, *fakeNotifier) {
	g := &fakeGlasses{}
	n := &fakeNotifier{}
	m := NewManager("sess-1", Config{
		SystemDashboardPackage: "system.dashboard",
		Throttle:               throttle,
		Boot:                   boot,
		BootQueueCap:           4,
	}, g, n, noDashboard{}, zerolog.Nop())
	return m, g, n
}

func TestThrottleFairness_S3(t *testing.T) {
	m, g, n := newTestManager(100*time.Millisecond, time.Second)
	defer m.Stop()
	ctx := context.Background()

	m.Show(ctx, types.DisplayRequest{Package: "a", View: types.ViewMain, Layout: types.Layout{Text: "a1"}})
	m.Show(ctx, types.DisplayRequest{Package: "a", View: types.ViewMain, Layout: types.Layout{Text: "a2"}})
	m.Show(ctx, types.DisplayRequest{Package: "a", View: types.ViewMain, Layout: types.Layout{Text: "a3"}})

	time.Sleep(200 * time.Millisecond)

	out := g.snapshot()
	if len(out) != 2 {
		t.Fatalf("expected 2 emissions (a1 then coalesced a3), got %d: %+v", len(out), out)
	}
	if out[0].Layout.Text != "a1" || out[1].Layout.Text != "a3" {
		t.Fatalf("expected a1 then a3, got %v, %v", out[0].Layout.Text, out[1].Layout.Text)
	}

	statuses := n.statusesFor("a")
	if len(statuses) != 4 {
		t.Fatalf("expected 4 status notifications (displayed, throttled, throttled, displayed), got %d: %v", len(statuses), statuses)
	}
	if statuses[0] != string(types.DisplayStatusDisplayed) || statuses[1] != string(types.DisplayStatusThrottled) {
		t.Fatalf("unexpected status sequence: %v", statuses)
	}
}

func TestPerAppIndependence_S4(t *testing.T) {
	m, g, _ := newTestManager(300*time.Millisecond, time.Second)
	defer m.Stop()
	ctx := context.Background()

	m.Show(ctx, types.DisplayRequest{Package: "a", View: types.ViewMain, Layout: types.Layout{Text: "a1"}})
	m.Show(ctx, types.DisplayRequest{Package: "b", View: types.ViewMain, Layout: types.Layout{Text: "b1"}})

	out := g.snapshot()
	if len(out) != 2 {
		t.Fatalf("expected both a1 and b1 delivered immediately, got %d: %+v", len(out), out)
	}
}

func TestBootQueue_S5(t *testing.T) {
	m, g, n := newTestManager(10*time.Millisecond, 50*time.Millisecond)
	defer m.Stop()
	ctx := context.Background()

	m.StartApp(ctx, "a", "A")
	m.Show(ctx, types.DisplayRequest{Package: "a", View: types.ViewMain, Layout: types.Layout{Text: "first"}})

	out := g.snapshot()
	if len(out) != 1 {
		t.Fatalf("expected only the boot card before boot ends, got %d: %+v", len(out), out)
	}

	time.Sleep(150 * time.Millisecond)

	out = g.snapshot()
	var gotFirst bool
	for _, r := range out {
		if r.Layout.Text == "first" {
			gotFirst = true
		}
	}
	if !gotFirst {
		t.Fatalf("expected 'first' to be delivered after boot window, got %+v", out)
	}

	statuses := n.statusesFor("a")
	if len(statuses) < 2 || statuses[0] != string(types.DisplayStatusQueuedBoot) {
		t.Fatalf("expected queued_boot then displayed, got %v", statuses)
	}
}
