// Package transcription defines the contract for the external
// speech/transcription provider (§1 "Out of scope: the speech/
// transcription provider (a pluggable stream sink)"). The Subscription
// Manager calls SetLanguagePairs whenever the union of transcription/
// translation subscriptions changes (§4.4); a real implementation opens
// and closes provider streams accordingly.
package transcription

import "context"

// LanguagePair names either a plain transcription language or a
// translation pair (From != "" for translation).
type LanguagePair struct {
	From string
	To   string
}

// Control is the authoritative interface the Subscription Manager drives.
type Control interface {
	// SetLanguagePairs replaces the full set of language pairs the
	// provider should be streaming for a session.
	SetLanguagePairs(ctx context.Context, sessionID string, pairs []LanguagePair) error
}

// Sink receives transcribed/translated text as it becomes available and is
// expected to route it back into the session's outbound fan-out.
type Sink interface {
	OnTranscript(ctx context.Context, sessionID string, pair LanguagePair, text string, isFinal bool)
}

// NoopControl discards requests; useful as a default when no provider is
// configured and in tests that don't exercise transcription.
type NoopControl struct{}

func (NoopControl) SetLanguagePairs(context.Context, string, []LanguagePair) error { return nil }
