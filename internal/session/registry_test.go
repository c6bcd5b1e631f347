package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/display"
	"github.com/sebas/cloudsessioncore/internal/store"
	"github.com/sebas/cloudsessioncore/internal/transcription"
)

func newTestRegistry() *Registry {
	cfg := Config{
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
	return NewRegistry(cfg, store.NewInMemory(), nil, transcription.NoopControl{}, time.Minute, zerolog.Nop())
}

func TestAttachGlasses_CreatesThenReuses(t *testing.T) {
	r := newTestRegistry()

	link1 := &fakeGlassesLink{}
	sess1, reconnected := r.AttachGlasses(context.Background(), "user-1", link1)
	if reconnected {
		t.Fatal("first attach for a new user must not be a reconnect")
	}

	link2 := &fakeGlassesLink{}
	sess2, reconnected := r.AttachGlasses(context.Background(), "user-1", link2)
	if !reconnected {
		t.Fatal("second attach for the same user must report reconnected")
	}
	if sess1 != sess2 {
		t.Fatal("expected the same session instance to be reused")
	}

	if found, ok := r.Find("user-1"); !ok || found != sess1 {
		t.Fatal("expected Find to resolve the live session")
	}
	if found, ok := r.FindByID(sess1.ID); !ok || found != sess1 {
		t.Fatal("expected FindByID to resolve the live session")
	}
}

func TestAttachTpa_UnknownSession(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.AttachTpa("no-such-session", "com.x", &fakeTpaLink{}); err != ErrUnknownSession {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestDestroy_RemovesFromBothIndices(t *testing.T) {
	r := newTestRegistry()
	sess, _ := r.AttachGlasses(context.Background(), "user-1", &fakeGlassesLink{})

	r.Destroy(context.Background(), sess, "test teardown")

	if _, ok := r.Find("user-1"); ok {
		t.Fatal("expected user index entry removed after destroy")
	}
	if _, ok := r.FindByID(sess.ID); ok {
		t.Fatal("expected id index entry removed after destroy")
	}
}

func TestGlassesGraceExpiry_DestroysSession(t *testing.T) {
	r := newTestRegistry()
	sess, _ := r.AttachGlasses(context.Background(), "user-1", &fakeGlassesLink{})

	r.DetachGlasses(sess)

	time.Sleep(80 * time.Millisecond)

	if _, ok := r.Find("user-1"); ok {
		t.Fatal("expected session to be destroyed after glasses grace window expired")
	}
}
