package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/display"
	"github.com/sebas/cloudsessioncore/internal/session"
	"github.com/sebas/cloudsessioncore/internal/store"
	"github.com/sebas/cloudsessioncore/internal/transcription"
	"github.com/sebas/cloudsessioncore/internal/types"
)

type fakeGlassesLink struct {
	mu     sync.Mutex
	sent   []types.Envelope
	closed bool
}

func (f *fakeGlassesLink) SendEnvelope(_ context.Context, env types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}
func (f *fakeGlassesLink) SendBinary(context.Context, []byte) error { return nil }
func (f *fakeGlassesLink) Close(int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeGlassesLink) last() (types.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return types.Envelope{}, false
	}
	return f.sent[len(f.sent)-1], true
}

type fakeTpaLink struct {
	mu   sync.Mutex
	sent []types.Envelope
}

func (f *fakeTpaLink) SendEnvelope(_ context.Context, env types.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}
func (f *fakeTpaLink) Close(int, string) {}

func (f *fakeTpaLink) all() []types.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeGlassesAuth struct{ userID string }

func (f fakeGlassesAuth) ValidateGlassesToken(context.Context, string) (string, error) {
	if f.userID == "" {
		return "", ErrAuthFailed
	}
	return f.userID, nil
}

type fakeTpaAuth struct{ pkg string }

func (f fakeTpaAuth) ValidateAPIKey(context.Context, string) (string, error) {
	if f.pkg == "" {
		return "", ErrAuthFailed
	}
	return f.pkg, nil
}

func newTestRouter(t *testing.T, glassesAuth fakeGlassesAuth, tpaAuth fakeTpaAuth) (*Router, *store.InMemory) {
	t.Helper()
	st := store.NewInMemory()
	cfg := session.Config{
		SystemDashboardPackage: "system.dashboard",
		GlassesGrace:           50 * time.Millisecond,
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
	registry := session.NewRegistry(cfg, st, nil, transcription.NoopControl{}, time.Minute, zerolog.Nop())
	r := New(registry, st, glassesAuth, tpaAuth, "system.dashboard", zerolog.Nop())
	return r, st
}

func TestConnectGlasses_AuthFailure(t *testing.T) {
	r, _ := newTestRouter(t, fakeGlassesAuth{}, fakeTpaAuth{})
	_, err := r.ConnectGlasses(context.Background(), "bad-token", &fakeGlassesLink{})
	if err == nil {
		t.Fatal("expected auth failure")
	}
}

func TestConnectGlasses_SendsConnectionAck(t *testing.T) {
	r, st := newTestRouter(t, fakeGlassesAuth{userID: "user-1"}, fakeTpaAuth{})
	st.SetInstalled("user-1", "com.x")

	link := &fakeGlassesLink{}
	sess, err := r.ConnectGlasses(context.Background(), "good-token", link)
	if err != nil {
		t.Fatalf("ConnectGlasses: %v", err)
	}
	if sess.UserID != "user-1" {
		t.Fatalf("expected user-1, got %s", sess.UserID)
	}
	env, ok := link.last()
	if !ok || env.Type != types.GlassesOutConnectionAck {
		t.Fatalf("expected a connection_ack, got %+v", env)
	}
}

func TestConnectTPA_UnknownSession(t *testing.T) {
	r, _ := newTestRouter(t, fakeGlassesAuth{userID: "user-1"}, fakeTpaAuth{pkg: "com.x"})
	_, _, err := r.ConnectTPA(context.Background(), "api-key", "no-such-session", &fakeTpaLink{})
	if err != session.ErrUnknownSession {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestConnectTPA_RejectsUninstalledPackage(t *testing.T) {
	r, st := newTestRouter(t, fakeGlassesAuth{userID: "user-1"}, fakeTpaAuth{pkg: "com.x"})
	st.SetInstalled("user-1") // nothing installed

	sess, err := r.ConnectGlasses(context.Background(), "good-token", &fakeGlassesLink{})
	if err != nil {
		t.Fatalf("ConnectGlasses: %v", err)
	}

	_, _, err = r.ConnectTPA(context.Background(), "api-key", sess.ID, &fakeTpaLink{})
	if err == nil {
		t.Fatal("expected protocol_violation for an uninstalled package")
	}
}

func TestHandleGlassesText_HeadPositionFansOutToSubscriber(t *testing.T) {
	r, st := newTestRouter(t, fakeGlassesAuth{userID: "user-1"}, fakeTpaAuth{pkg: "com.x"})
	st.SetInstalled("user-1", "com.x")

	sess, err := r.ConnectGlasses(context.Background(), "good-token", &fakeGlassesLink{})
	if err != nil {
		t.Fatalf("ConnectGlasses: %v", err)
	}

	tpaLink := &fakeTpaLink{}
	if _, _, err := r.ConnectTPA(context.Background(), "api-key", sess.ID, tpaLink); err != nil {
		t.Fatalf("ConnectTPA: %v", err)
	}

	subUpdate := types.MustEnvelope(types.TPAInSubscriptionUpdate, types.SubscriptionUpdateMsg{
		Subscriptions: []types.SubscriptionWire{{Kind: types.StreamHeadPosition}},
	})
	raw, _ := json.Marshal(subUpdate)
	if err := r.HandleTpaText(sess, "com.x", raw); err != nil {
		t.Fatalf("HandleTpaText: %v", err)
	}

	headPos := types.Envelope{Type: types.GlassesInHeadPosition, Payload: json.RawMessage(`{"position":"up"}`)}
	raw, _ = json.Marshal(headPos)
	if err := r.HandleGlassesText(sess, raw); err != nil {
		t.Fatalf("HandleGlassesText: %v", err)
	}

	// envs[0] is the connection_ack ConnectTPA sent; the data_stream follows.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(tpaLink.all()) > 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	envs := tpaLink.all()
	if len(envs) < 2 {
		t.Fatal("expected the subscribed TPA to receive a data_stream for head_position")
	}
	if envs[1].Type != types.TPAOutDataStream {
		t.Fatalf("expected data_stream, got %s", envs[1].Type)
	}
}
