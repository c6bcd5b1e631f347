package subscription

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/transcription"
	"github.com/sebas/cloudsessioncore/internal/types"
)

type fakeTranscriptionControl struct {
	lastPairs []transcription.LanguagePair
	calls     int
}

func (f *fakeTranscriptionControl) SetLanguagePairs(_ context.Context, _ string, pairs []transcription.LanguagePair) error {
	f.lastPairs = pairs
	f.calls++
	return nil
}

type fakeMic struct {
	states []bool
}

func (f *fakeMic) SetMicrophoneEnabled(_ context.Context, enabled bool) {
	f.states = append(f.states, enabled)
}

func newTestManager() (*Manager, *fakeTranscriptionControl, *fakeMic) {
	tc := &fakeTranscriptionControl{}
	mic := &fakeMic{}
	m := NewManager("sess-1", tc, mic, nil, zerolog.Nop())
	return m, tc, mic
}

func TestSet_EmitsAddedAndRemoved(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	ch := m.Set(ctx, "com.x", []types.Subscription{{Kind: types.StreamHeadPosition}})
	if len(ch.Added) != 1 || len(ch.Removed) != 0 {
		t.Fatalf("expected 1 added 0 removed, got added=%d removed=%d", len(ch.Added), len(ch.Removed))
	}

	ch = m.Set(ctx, "com.x", []types.Subscription{{Kind: types.StreamLocation}})
	if len(ch.Added) != 1 || len(ch.Removed) != 1 {
		t.Fatalf("expected 1 added 1 removed, got added=%d removed=%d", len(ch.Added), len(ch.Removed))
	}
	if ch.Added[0].Kind != types.StreamLocation || ch.Removed[0].Kind != types.StreamHeadPosition {
		t.Fatalf("unexpected delta contents: %+v", ch)
	}
}

func TestHasSubscribers_FiltersByParams(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	m.Set(ctx, "com.x", []types.Subscription{
		{Kind: types.StreamButtonPress, Params: map[string]string{"id": "photo"}},
	})

	if !m.HasSubscribers(types.StreamButtonPress, map[string]string{"id": "photo"}) {
		t.Fatal("expected a subscriber for button_press(photo)")
	}
	if m.HasSubscribers(types.StreamButtonPress, map[string]string{"id": "volume_up"}) {
		t.Fatal("did not expect a subscriber for button_press(volume_up)")
	}
}

func TestClear_RemovesAllSubscriptionsForPackage(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	m.Set(ctx, "com.x", []types.Subscription{{Kind: types.StreamAudioChunk}})
	if got := m.Get(types.StreamAudioChunk); len(got) != 1 {
		t.Fatalf("expected 1 subscriber before clear, got %d", len(got))
	}

	ch := m.Clear(ctx, "com.x")
	if len(ch.Removed) != 1 {
		t.Fatalf("expected clear to report 1 removed, got %d", len(ch.Removed))
	}
	if got := m.Get(types.StreamAudioChunk); len(got) != 0 {
		t.Fatalf("expected 0 subscribers after clear, got %d", len(got))
	}
}

func TestReactToChange_TogglesMicAndTranscription(t *testing.T) {
	m, tc, mic := newTestManager()
	ctx := context.Background()

	m.Set(ctx, "com.x", []types.Subscription{
		{Kind: types.StreamTranscription, Params: map[string]string{"lang": "en-US"}},
	})
	if tc.calls != 1 {
		t.Fatalf("expected transcription control to be called once, got %d", tc.calls)
	}
	if len(tc.lastPairs) != 1 || tc.lastPairs[0].To != "en-US" {
		t.Fatalf("unexpected language pairs: %+v", tc.lastPairs)
	}
	if len(mic.states) != 1 || !mic.states[0] {
		t.Fatalf("expected mic to turn on once, got %+v", mic.states)
	}

	m.Clear(ctx, "com.x")
	if len(mic.states) != 2 || mic.states[1] {
		t.Fatalf("expected mic to turn off after clear, got %+v", mic.states)
	}
}
