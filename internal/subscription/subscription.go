// Package subscription implements the per-session Subscription Manager
// (§4.4): the map from (TPA, stream kind) to interest, and the two
// downstream reactors (transcription control, microphone control) that
// key off changes to that map.
package subscription

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/pubsub"
	"github.com/sebas/cloudsessioncore/internal/transcription"
	"github.com/sebas/cloudsessioncore/internal/types"
)

// Change describes the delta returned by Set. Set itself runs the two
// reactors below and publishes the subscription_change event whenever the
// delta is non-empty.
type Change struct {
	Package string
	Added   []types.Subscription
	Removed []types.Subscription
	Current []types.Subscription
}

// MicrophoneSink receives mic_enabled transitions for the glasses control
// channel; the session's glasses link implements this.
type MicrophoneSink interface {
	SetMicrophoneEnabled(ctx context.Context, enabled bool)
}

// Manager is the authoritative per-session subscription index. Not safe
// to share across sessions; each UserSession owns exactly one.
type Manager struct {
	mu   sync.Mutex
	subs map[string]map[string]types.Subscription // pkg -> subKey -> sub

	sessionID     string
	transcription transcription.Control
	mic           MicrophoneSink
	broadcaster   pubsub.Broadcaster
	log           zerolog.Logger

	micOn bool
}

// NewManager wires the given broadcaster into Set so every accepted
// subscription change becomes visible outside this process (§4.4); pass
// pubsub.Noop{} for single-process deployments and tests.
func NewManager(sessionID string, tc transcription.Control, mic MicrophoneSink, broadcaster pubsub.Broadcaster, log zerolog.Logger) *Manager {
	if tc == nil {
		tc = transcription.NoopControl{}
	}
	if broadcaster == nil {
		broadcaster = pubsub.Noop{}
	}
	return &Manager{
		subs:          make(map[string]map[string]types.Subscription),
		sessionID:     sessionID,
		transcription: tc,
		mic:           mic,
		broadcaster:   broadcaster,
		log:           log.With().Str("session_id", sessionID).Str("component", "subscription").Logger(),
	}
}

// Set replaces the full subscription set for pkg atomically and fires the
// downstream reactors for whatever changed (§4.4).
func (m *Manager) Set(ctx context.Context, pkg string, subs []types.Subscription) Change {
	m.mu.Lock()

	next := make(map[string]types.Subscription, len(subs))
	for _, s := range subs {
		s.Package = pkg
		next[s.Key()] = s
	}

	prev := m.subs[pkg]
	var added, removed []types.Subscription
	for k, s := range next {
		if _, ok := prev[k]; !ok {
			added = append(added, s)
		}
	}
	for k, s := range prev {
		if _, ok := next[k]; !ok {
			removed = append(removed, s)
		}
	}
	if len(next) == 0 {
		delete(m.subs, pkg)
	} else {
		m.subs[pkg] = next
	}

	current := make([]types.Subscription, 0, len(next))
	for _, s := range next {
		current = append(current, s)
	}
	sort.Slice(current, func(i, j int) bool { return current[i].Key() < current[j].Key() })

	m.mu.Unlock()

	change := Change{Package: pkg, Added: added, Removed: removed, Current: current}
	if len(added) > 0 || len(removed) > 0 {
		m.reactToChange(ctx)
		ev := pubsub.SubscriptionChangeEvent{SessionID: m.sessionID, Package: pkg, Current: current}
		if err := m.broadcaster.PublishSubscriptionChange(ctx, ev); err != nil {
			m.log.Warn().Err(err).Str("package", pkg).Msg("publish subscription_change failed")
		}
	}
	return change
}

// Clear drops every subscription owned by pkg, e.g. on TPA disconnect.
func (m *Manager) Clear(ctx context.Context, pkg string) Change {
	return m.Set(ctx, pkg, nil)
}

// Get returns every package subscribed to kind, for fan-out.
func (m *Manager) Get(kind types.StreamKind) []types.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Subscription
	for _, subs := range m.subs {
		for _, s := range subs {
			if s.Kind == kind {
				out = append(out, s)
			}
		}
	}
	return out
}

// HasSubscribers reports whether any package subscribes to kind, optionally
// filtered by a parameter match (e.g. button id), consulted by the button
// dispatch flow (§4.8).
func (m *Manager) HasSubscribers(kind types.StreamKind, filter map[string]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, subs := range m.subs {
		for _, s := range subs {
			if s.Kind != kind {
				continue
			}
			if matchesFilter(s, filter) {
				return true
			}
		}
	}
	return false
}

// Subscribers returns the package names subscribed to kind matching
// filter, for callers (e.g. button dispatch) that need the list rather
// than just a boolean.
func (m *Manager) Subscribers(kind types.StreamKind, filter map[string]string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for pkg, subs := range m.subs {
		for _, s := range subs {
			if s.Kind == kind && matchesFilter(s, filter) {
				out = append(out, pkg)
				break
			}
		}
	}
	return out
}

func matchesFilter(s types.Subscription, filter map[string]string) bool {
	for k, v := range filter {
		if s.Params[k] != v {
			return false
		}
	}
	return true
}

// reactToChange recomputes the language-pair set and mic state from the
// full subscription index and pushes any change downstream. Called with no
// lock held: it takes its own snapshot via Get.
func (m *Manager) reactToChange(ctx context.Context) {
	pairs := m.languagePairs()
	if err := m.transcription.SetLanguagePairs(ctx, m.sessionID, pairs); err != nil {
		m.log.Warn().Err(err).Msg("set language pairs")
	}

	wantMic := len(m.Get(types.StreamAudioChunk)) > 0 || len(pairs) > 0

	m.mu.Lock()
	changed := wantMic != m.micOn
	m.micOn = wantMic
	m.mu.Unlock()

	if changed && m.mic != nil {
		m.mic.SetMicrophoneEnabled(ctx, wantMic)
	}
}

func (m *Manager) languagePairs() []transcription.LanguagePair {
	var pairs []transcription.LanguagePair
	seen := make(map[transcription.LanguagePair]bool)
	for _, s := range m.Get(types.StreamTranscription) {
		p := transcription.LanguagePair{To: s.Params["lang"]}
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	for _, s := range m.Get(types.StreamTranslation) {
		p := transcription.LanguagePair{From: s.Params["from"], To: s.Params["to"]}
		if !seen[p] {
			seen[p] = true
			pairs = append(pairs, p)
		}
	}
	return pairs
}
