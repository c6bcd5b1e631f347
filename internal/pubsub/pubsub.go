// Package pubsub adapts the teacher's NATS-backed broker into a narrow
// broadcaster for cross-process subscription_change events: when a
// UserSession's actor is not in the same process as an HTTP handler
// replica (e.g. the button-press endpoint), this is how a subscription
// change becomes visible outside the owning process.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sebas/cloudsessioncore/internal/types"
)

// SubscriptionChangeEvent is published whenever a session's Subscription
// Manager accepts a new subscription set for a package (§4.4).
type SubscriptionChangeEvent struct {
	SessionID string                `json:"sessionId"`
	Package   string                `json:"package"`
	Current   []types.Subscription  `json:"current"`
}

func subjectFor(sessionID string) string {
	return "session-updates.subscription_change." + sessionID
}

// Broadcaster is the narrow publish/subscribe surface this core needs,
// trimmed from the teacher's much larger Publisher/PubSub interfaces
// (JetStream streams, queue groups, request/reply) down to plain core
// NATS pub/sub, the only piece this core's fan-out actually exercises.
type Broadcaster interface {
	PublishSubscriptionChange(ctx context.Context, ev SubscriptionChangeEvent) error
	SubscribeSubscriptionChanges(ctx context.Context, sessionID string, handler func(SubscriptionChangeEvent)) (Subscription, error)
}

// Subscription allows a caller to stop receiving events.
type Subscription interface {
	Unsubscribe() error
}

// NatsBroadcaster is the default Broadcaster, backed by a plain
// *nats.Conn (no JetStream; subscription_change events are fire-and-forget
// notifications, not a durable log).
type NatsBroadcaster struct {
	conn *nats.Conn
	log  zerolog.Logger
}

func Connect(url string, log zerolog.Logger) (*NatsBroadcaster, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect: %w", err)
	}
	return &NatsBroadcaster{conn: conn, log: log.With().Str("component", "pubsub").Logger()}, nil
}

func (b *NatsBroadcaster) Close() {
	b.conn.Close()
}

func (b *NatsBroadcaster) PublishSubscriptionChange(_ context.Context, ev SubscriptionChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pubsub: marshal subscription_change: %w", err)
	}
	if err := b.conn.Publish(subjectFor(ev.SessionID), payload); err != nil {
		return fmt.Errorf("pubsub: publish subscription_change: %w", err)
	}
	return nil
}

type natsSub struct{ sub *nats.Subscription }

func (s *natsSub) Unsubscribe() error { return s.sub.Unsubscribe() }

func (b *NatsBroadcaster) SubscribeSubscriptionChanges(_ context.Context, sessionID string, handler func(SubscriptionChangeEvent)) (Subscription, error) {
	sub, err := b.conn.Subscribe(subjectFor(sessionID), func(msg *nats.Msg) {
		var ev SubscriptionChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warn().Err(err).Msg("discarding malformed subscription_change event")
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub: subscribe subscription_change: %w", err)
	}
	return &natsSub{sub: sub}, nil
}

// Noop discards every publish and never delivers anything, used in tests
// and single-process deployments where no replica needs the broadcast.
type Noop struct{}

func (Noop) PublishSubscriptionChange(context.Context, SubscriptionChangeEvent) error { return nil }

func (Noop) SubscribeSubscriptionChanges(context.Context, string, func(SubscriptionChangeEvent)) (Subscription, error) {
	return noopSub{}, nil
}

type noopSub struct{}

func (noopSub) Unsubscribe() error { return nil }

var (
	_ Broadcaster = (*NatsBroadcaster)(nil)
	_ Broadcaster = Noop{}
)
