package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/display"
	"github.com/sebas/cloudsessioncore/internal/store"
	"github.com/sebas/cloudsessioncore/internal/transcription"
	"github.com/sebas/cloudsessioncore/internal/types"
)

type fakeGlassesLink struct {
	mu   sync.Mutex
	sent []types.Envelope
}

func (f *fakeGlassesLink) SendEnvelope(_ context.Context, env types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}
func (f *fakeGlassesLink) SendBinary(context.Context, []byte) error { return nil }
func (f *fakeGlassesLink) Close(int, string)                       {}

func (f *fakeGlassesLink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeTpaLink struct {
	mu     sync.Mutex
	sent   []types.Envelope
	closed bool
}

func (f *fakeTpaLink) SendEnvelope(_ context.Context, env types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}
func (f *fakeTpaLink) Close(int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func testConfig() Config {
	return Config{
		SystemDashboardPackage: "system.dashboard",
		GlassesGrace:           30 * time.Millisecond,
		OutboundGlassesBufCap:  10,
		Display: display.Config{
			SystemDashboardPackage: "system.dashboard",
			Throttle:               10 * time.Millisecond,
			Boot:                   10 * time.Millisecond,
			BootQueueCap:           4,
		},
		DashboardTick: time.Hour,
		PhotoExpire:   time.Minute,
	}
}

func newTestSession(t *testing.T) *UserSession {
	t.Helper()
	s := New("sess-1", "user-1", testConfig(), store.NewInMemory(), transcription.NoopControl{}, zerolog.Nop())
	t.Cleanup(func() { s.Destroy(context.Background(), "test teardown") })
	return s
}

func TestAttachGlasses_ReportsReconnect(t *testing.T) {
	s := newTestSession(t)
	link1 := &fakeGlassesLink{}
	if reconnected := s.AttachGlasses(link1); reconnected {
		t.Fatal("first attach should not be a reconnect")
	}

	s.DetachGlasses()

	link2 := &fakeGlassesLink{}
	if reconnected := s.AttachGlasses(link2); !reconnected {
		t.Fatal("attach after detach within grace window should report reconnected")
	}
}

func TestSendDisplay_BuffersDuringGraceWindow(t *testing.T) {
	s := newTestSession(t)
	link := &fakeGlassesLink{}
	s.AttachGlasses(link)
	s.DetachGlasses()

	ctx := context.Background()
	if err := s.SendDisplay(ctx, types.DisplayRequest{Package: "com.x", View: types.ViewMain}); err != nil {
		t.Fatalf("SendDisplay: %v", err)
	}
	if link.count() != 0 {
		t.Fatalf("expected no direct delivery while detached, got %d", link.count())
	}

	link2 := &fakeGlassesLink{}
	s.AttachGlasses(link2)
	time.Sleep(20 * time.Millisecond)
	if link2.count() == 0 {
		t.Fatal("expected buffered display to flush on reattach")
	}
}

func TestDetachTpa_ClearsSubscriptions(t *testing.T) {
	s := newTestSession(t)
	link := &fakeTpaLink{}
	s.AttachTpa("com.x", link)
	s.Subscriptions().Set(context.Background(), "com.x", []types.Subscription{{Package: "com.x", Kind: types.StreamHeadPosition}})

	if !s.Subscriptions().HasSubscribers(types.StreamHeadPosition, nil) {
		t.Fatal("expected subscription to be registered")
	}

	s.DetachTpa(context.Background(), "com.x")

	if s.Subscriptions().HasSubscribers(types.StreamHeadPosition, nil) {
		t.Fatal("expected subscriptions cleared on detach, no zombie subscriptions")
	}
}

func TestDestroy_IsIdempotent(t *testing.T) {
	s := New("sess-2", "user-2", testConfig(), store.NewInMemory(), transcription.NoopControl{}, zerolog.Nop())
	link := &fakeTpaLink{}
	s.AttachTpa("com.x", link)

	ctx := context.Background()
	s.Destroy(ctx, "shutting down")
	s.Destroy(ctx, "shutting down again")

	if !link.closed {
		t.Fatal("expected tpa link to be closed on destroy")
	}
}
