// Package audio implements the per-session Audio Buffer (§4.7): a bounded
// live queue and a sliding catch-up buffer over sequenced PCM/encoded
// frames, plus the outbound sender that fans frames out to subscribed
// TPAs and the transcription collaborator.
package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/types"
)

// Buffer holds the sliding window of recent frames and a single-producer/
// single-consumer live queue, coordinated by a mutex only around the
// slide slice (§5: "accessed only by the session actor and the audio
// sender task").
type Buffer struct {
	mu    sync.Mutex
	slide []types.AudioFrame
	cap   int

	nextSeq atomic.Uint64
	gaps    atomic.Uint64

	live chan types.AudioFrame
}

// Config sizes the buffer from the configured durations and frame size.
type Config struct {
	LiveCap   time.Duration
	SlideCap  time.Duration
	FrameSize time.Duration
}

func NewBuffer(cfg Config) *Buffer {
	frameSize := cfg.FrameSize
	if frameSize <= 0 {
		frameSize = 10 * time.Millisecond
	}
	slideFrames := int(cfg.SlideCap / frameSize)
	if slideFrames <= 0 {
		slideFrames = 300
	}
	liveFrames := int(cfg.LiveCap / frameSize)
	if liveFrames <= 0 {
		liveFrames = 100
	}
	return &Buffer{
		cap:  slideFrames,
		live: make(chan types.AudioFrame, liveFrames),
	}
}

// Append assigns the next sequence number, appends to the sliding buffer
// (drop-oldest on overflow), and offers the frame to the live queue,
// dropping the oldest live frame on overflow rather than blocking the
// glasses transport's read loop.
func (b *Buffer) Append(frame types.AudioFrame) types.AudioFrame {
	frame.Sequence = b.nextSeq.Add(1)

	b.mu.Lock()
	b.slide = append(b.slide, frame)
	if len(b.slide) > b.cap {
		b.slide = b.slide[len(b.slide)-b.cap:]
	}
	b.mu.Unlock()

	select {
	case b.live <- frame:
	default:
		select {
		case <-b.live:
			b.gaps.Add(1)
		default:
		}
		select {
		case b.live <- frame:
		default:
		}
	}
	return frame
}

// Live returns the channel the sender task reads from.
func (b *Buffer) Live() <-chan types.AudioFrame { return b.live }

// GapCount exposes the dropped-frame counter for observability (§4.7).
func (b *Buffer) GapCount() uint64 { return b.gaps.Load() }

// DrainSince returns every retained frame with sequence > lastAcked, in
// order, for reconnect catch-up (§8 S7). It keeps no state of its own:
// two calls with the same lastAcked return the same frames. The Sender
// de-duplicates by sequence when it dispatches (see DESIGN.md open
// question (c)).
func (b *Buffer) DrainSince(lastAcked uint64) []types.AudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.AudioFrame, 0, len(b.slide))
	for _, f := range b.slide {
		if f.Sequence > lastAcked {
			out = append(out, f)
		}
	}
	return out
}

// TPAFanout delivers one audio_chunk frame to a subscribed TPA's link.
type TPAFanout interface {
	SendAudioChunk(ctx context.Context, pkg string, frame types.AudioFrame) error
}

// SubscriberLister is the subset of subscription.Manager the sender
// consults to find who wants audio_chunk.
type SubscriberLister interface {
	Get(kind types.StreamKind) []types.Subscription
}

// TranscriptionFeed receives every live frame regardless of subscriptions,
// since the transcription collaborator is controlled independently via
// SetLanguagePairs.
type TranscriptionFeed interface {
	OnAudioFrame(ctx context.Context, frame types.AudioFrame)
}

// Sender is the outbound audio task described in §4.7 and §5.
type Sender struct {
	buf   *Buffer
	subs  SubscriberLister
	tpas  TPAFanout
	feed  TranscriptionFeed
	log   zerolog.Logger
	stop  chan struct{}
	lastAckedSeq atomic.Uint64
}

func NewSender(buf *Buffer, subs SubscriberLister, tpas TPAFanout, feed TranscriptionFeed, log zerolog.Logger) *Sender {
	return &Sender{buf: buf, subs: subs, tpas: tpas, feed: feed, log: log, stop: make(chan struct{})}
}

// Run drains the live queue and fans frames out until Stop is called.
func (s *Sender) Run(ctx context.Context) {
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case frame := <-s.buf.Live():
			s.dispatch(ctx, frame)
		}
	}
}

func (s *Sender) Stop() { close(s.stop) }

// Reconnect drains every retained frame newer than the last one this
// sender fanned out, then falls back to resuming the live stream
// (§4.7 "drains the sliding buffer to catch up, then resumes live").
func (s *Sender) Reconnect(ctx context.Context) {
	for _, frame := range s.buf.DrainSince(s.lastAckedSeq.Load()) {
		s.dispatch(ctx, frame)
	}
}

func (s *Sender) dispatch(ctx context.Context, frame types.AudioFrame) {
	// Advance lastAckedSeq monotonically; a frame at or below it was
	// already fanned out (by Run or by a Reconnect drain) and is skipped.
	for {
		last := s.lastAckedSeq.Load()
		if frame.Sequence <= last {
			return
		}
		if s.lastAckedSeq.CompareAndSwap(last, frame.Sequence) {
			break
		}
	}

	if s.feed != nil {
		s.feed.OnAudioFrame(ctx, frame)
	}
	for _, sub := range s.subs.Get(types.StreamAudioChunk) {
		if err := s.tpas.SendAudioChunk(ctx, sub.Package, frame); err != nil {
			s.log.Warn().Err(err).Str("package", sub.Package).Msg("audio_chunk delivery failed")
		}
	}
}
