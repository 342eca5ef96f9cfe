// Package events is the process-wide publish/subscribe channel used for
// cross-view invalidation. Feed stores subscribe on activation and
// unsubscribe on deactivation; the mutation engine and the realtime stream
// publish.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/oklog/ulid/v2"
	"github.com/patrickmn/go-cache"
)

// Event is an ephemeral invalidation signal. It is never persisted.
type Event struct {
	Payload       any
	Topic         string
	CorrelationID string
}

// Handler consumes one event. A returned error is logged and does not
// stop delivery to other handlers.
type Handler func(ctx context.Context, ev Event) error

// Token identifies one subscription
type Token = ulid.ULID

type subscription struct {
	handler Handler
	token   Token
	topic   string
}

// Bus maps topic strings to ordered handler sets
type Bus struct {
	subs     map[string][]subscription
	byToken  map[Token]string
	seen     *cache.Cache
	logger   *slog.Logger
	mu       sync.RWMutex
	disabled bool // correlation dedup off
}

// DefaultCorrelationTTL is how long a delivered correlation ID suppresses
// duplicates
const DefaultCorrelationTTL = 2 * time.Minute

// NewBus creates a bus. correlationTTL <= 0 disables duplicate suppression.
func NewBus(correlationTTL time.Duration, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:    make(map[string][]subscription),
		byToken: make(map[Token]string),
		logger:  logger,
	}
	if correlationTTL > 0 {
		b.seen = cache.New(correlationTTL, 2*correlationTTL)
	} else {
		b.disabled = true
	}
	return b
}

// correlationClock hands out strictly increasing TIDs, so two events
// created in the same microsecond never share an ID.
var correlationClock = syntax.NewTIDClock(0)

// NewCorrelationID returns a fresh, time-ordered correlation ID
func NewCorrelationID() string {
	return correlationClock.Next().String()
}

// Subscribe registers handler for topic and returns the token needed to
// unsubscribe. Handlers run in subscription order.
func (b *Bus) Subscribe(topic string, handler Handler) Token {
	token := ulid.Make()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[topic] = append(b.subs[topic], subscription{
		handler: handler,
		token:   token,
		topic:   topic,
	})
	b.byToken[token] = topic

	b.logger.Debug("bus subscription added",
		"topic", topic,
		"token", token.String(),
		"subscribers", len(b.subs[topic]))
	return token
}

// Unsubscribe removes a subscription. It reports whether the token was live.
func (b *Bus) Unsubscribe(token Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.byToken[token]
	if !ok {
		return false
	}
	delete(b.byToken, token)

	subs := b.subs[topic]
	for i, s := range subs {
		if s.token == token {
			// Copy so an in-progress Publish keeps its own snapshot.
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = next
			}
			break
		}
	}

	b.logger.Debug("bus subscription removed", "topic", topic, "token", token.String())
	return true
}

// Subscribers returns the number of live handlers for topic
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish delivers ev synchronously to every handler subscribed at the time
// of the call, in subscription order. It returns the number of handlers
// invoked. An event whose CorrelationID was already delivered within the
// correlation TTL is dropped and 0 is returned.
func (b *Bus) Publish(ctx context.Context, ev Event) int {
	if ev.CorrelationID != "" && !b.disabled {
		if err := b.seen.Add(ev.CorrelationID, struct{}{}, cache.DefaultExpiration); err != nil {
			b.logger.Debug("duplicate event dropped",
				"topic", ev.Topic,
				"correlation_id", ev.CorrelationID)
			return 0
		}
	}

	b.mu.RLock()
	snapshot := b.subs[ev.Topic]
	b.mu.RUnlock()

	delivered := 0
	for _, s := range snapshot {
		// A handler may have been removed by an earlier handler in this loop.
		if !b.isLive(s.token) {
			continue
		}
		b.deliver(ctx, s, ev)
		delivered++
	}
	return delivered
}

func (b *Bus) isLive(token Token) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byToken[token]
	return ok
}

// deliver invokes one handler, isolating panics and errors
func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", ev.Topic,
				"token", s.token.String(),
				"correlation_id", ev.CorrelationID,
				"panic", fmt.Sprint(r))
		}
	}()

	if err := s.handler(ctx, ev); err != nil {
		b.logger.Error("event handler failed",
			"topic", ev.Topic,
			"token", s.token.String(),
			"correlation_id", ev.CorrelationID,
			"error", err)
	}
}
