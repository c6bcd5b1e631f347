package audio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/types"
)

type fakeSubs struct {
	subs []types.Subscription
}

func (f *fakeSubs) Get(kind types.StreamKind) []types.Subscription {
	if kind != types.StreamAudioChunk {
		return nil
	}
	return f.subs
}

type fakeFanout struct {
	mu   sync.Mutex
	sent map[string][]uint64
}

func newFakeFanout() *fakeFanout { return &fakeFanout{sent: make(map[string][]uint64)} }

func (f *fakeFanout) SendAudioChunk(_ context.Context, pkg string, frame types.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[pkg] = append(f.sent[pkg], frame.Sequence)
	return nil
}

func (f *fakeFanout) seqsFor(pkg string) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.sent[pkg]...)
}

func TestAppend_AssignsIncreasingSequences(t *testing.T) {
	buf := NewBuffer(Config{LiveCap: time.Second, SlideCap: 3 * time.Second, FrameSize: 10 * time.Millisecond})

	f1 := buf.Append(types.AudioFrame{Payload: []byte("a")})
	f2 := buf.Append(types.AudioFrame{Payload: []byte("b")})

	if f1.Sequence != 1 || f2.Sequence != 2 {
		t.Fatalf("expected sequential sequence numbers, got %d, %d", f1.Sequence, f2.Sequence)
	}
}

func TestDrainSince_ReturnsOnlyNewerFrames(t *testing.T) {
	buf := NewBuffer(Config{LiveCap: time.Second, SlideCap: 3 * time.Second, FrameSize: 10 * time.Millisecond})
	for i := 0; i < 5; i++ {
		buf.Append(types.AudioFrame{Payload: []byte{byte(i)}})
	}

	out := buf.DrainSince(3)
	if len(out) != 2 {
		t.Fatalf("expected 2 frames with seq > 3, got %d", len(out))
	}
	if out[0].Sequence != 4 || out[1].Sequence != 5 {
		t.Fatalf("unexpected sequences: %v, %v", out[0].Sequence, out[1].Sequence)
	}
}

func TestSender_FansOutToSubscribedTPAOnly(t *testing.T) {
	buf := NewBuffer(Config{LiveCap: time.Second, SlideCap: 3 * time.Second, FrameSize: 10 * time.Millisecond})
	subs := &fakeSubs{subs: []types.Subscription{{Package: "com.x", Kind: types.StreamAudioChunk}}}
	fanout := newFakeFanout()
	sender := NewSender(buf, subs, fanout, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go sender.Run(ctx)
	defer cancel()

	buf.Append(types.AudioFrame{Payload: []byte("pcm")})

	deadline := time.After(time.Second)
	for {
		if len(fanout.seqsFor("com.x")) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for fan-out")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSender_ReconnectDrainsBeforeLive(t *testing.T) {
	buf := NewBuffer(Config{LiveCap: time.Second, SlideCap: 3 * time.Second, FrameSize: 10 * time.Millisecond})
	subs := &fakeSubs{subs: []types.Subscription{{Package: "com.x", Kind: types.StreamAudioChunk}}}
	fanout := newFakeFanout()
	sender := NewSender(buf, subs, fanout, nil, zerolog.Nop())

	for i := 0; i < 3; i++ {
		buf.Append(types.AudioFrame{Payload: []byte{byte(i)}})
	}
	// Simulate the sender having already fanned out seq 1 before a disconnect.
	sender.lastAckedSeq.Store(1)

	sender.Reconnect(context.Background())

	got := fanout.seqsFor("com.x")
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected catch-up of seq 2,3 got %v", got)
	}
}
