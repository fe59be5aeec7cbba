package bus

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Isonimus/content-security-toolkit/internal/logging"
	"github.com/Isonimus/content-security-toolkit/internal/metrics"
	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

// Handler processes a published event. A returned error is logged and
// counted but never stops dispatch to the remaining subscribers.
type Handler func(protection.Event) error

// Filter decides whether a subscription receives a given event.
type Filter func(protection.Event) bool

// Subscription describes a registered handler for one event type.
type Subscription struct {
	ID       string
	Type     protection.EventType
	Priority int
	Context  string

	handler Handler
	filter  Filter
}

// Config contains bus configuration
type Config struct {
	// Number of events retained in the debug history
	HistorySize int
}

// DefaultConfig returns a default bus configuration
func DefaultConfig() Config {
	return Config{
		HistorySize: 100,
	}
}

// Bus is the mediator decoupling strategies from coordinators. Dispatch
// is fully synchronous: Publish returns only after every matching
// subscriber ran, was skipped by its filter, or failed and was logged.
type Bus struct {
	config  Config
	mu      sync.RWMutex
	subs    map[protection.EventType][]*Subscription
	history *history
	debug   atomic.Bool
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a new event bus
func New(config ...Config) *Bus {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}

	return &Bus{
		config:  cfg,
		subs:    make(map[protection.EventType][]*Subscription),
		history: newHistory(cfg.HistorySize),
		logger:  logging.Component("bus"),
		metrics: metrics.GetMetrics(),
	}
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithPriority sets the dispatch priority. Higher priorities are
// invoked first; ties keep insertion order.
func WithPriority(p int) SubscribeOption {
	return func(s *Subscription) {
		s.Priority = p
	}
}

// WithFilter sets a predicate consulted before each delivery.
func WithFilter(f Filter) SubscribeOption {
	return func(s *Subscription) {
		s.filter = f
	}
}

// WithContext tags the subscription for bulk removal.
func WithContext(context string) SubscribeOption {
	return func(s *Subscription) {
		s.Context = context
	}
}

// Subscribe registers a handler for an event type and returns the
// subscription id. A nil handler is rejected with an empty id.
func (b *Bus) Subscribe(eventType protection.EventType, handler Handler, opts ...SubscribeOption) string {
	if handler == nil {
		b.logger.Warn().Str("event_type", string(eventType)).Msg("Rejecting subscription with nil handler")
		return ""
	}

	sub := &Subscription{
		ID:      generateID(),
		Type:    eventType,
		handler: handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[eventType] = append(b.subs[eventType], sub)
	// Stable sort keeps insertion order among equal priorities
	sort.SliceStable(b.subs[eventType], func(i, j int) bool {
		return b.subs[eventType][i].Priority > b.subs[eventType][j].Priority
	})

	b.metrics.SubscriptionsActive.Inc()

	if b.debug.Load() {
		b.logger.Debug().
			Str("subscription_id", sub.ID).
			Str("event_type", string(eventType)).
			Int("priority", sub.Priority).
			Msg("Subscription added")
	}

	return sub.ID
}

// Unsubscribe removes a subscription by id. The lookup is a linear scan
// over all event types; returns whether the subscription was found.
func (b *Bus) Unsubscribe(subID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.ID == subID {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				if len(b.subs[eventType]) == 0 {
					delete(b.subs, eventType)
				}
				b.metrics.SubscriptionsActive.Dec()
				return true
			}
		}
	}
	return false
}

// UnsubscribeByContext removes every subscription tagged with the given
// context across all event types and returns the removed count.
func (b *Bus) UnsubscribeByContext(context string) int {
	if context == "" {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for eventType, subs := range b.subs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.Context == context {
				removed++
				continue
			}
			kept = append(kept, sub)
		}
		if len(kept) == 0 {
			delete(b.subs, eventType)
		} else {
			b.subs[eventType] = kept
		}
	}

	b.metrics.SubscriptionsActive.Sub(float64(removed))
	return removed
}

// Publish delivers an event to every matching subscriber in descending
// priority order. Events without a type are rejected. A handler failure
// is isolated: it is logged and the remaining handlers still run.
func (b *Bus) Publish(event protection.Event) {
	if event.Type == "" {
		b.logger.Warn().Str("source", event.Source).Msg("Rejecting event without a type")
		b.metrics.EventsRejectedTotal.Inc()
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = protection.NowMillis()
	}

	b.history.append(event)
	b.metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()

	if b.debug.Load() {
		b.logger.Debug().
			Str("event_type", string(event.Type)).
			Str("source", event.Source).
			Msg("Publishing event")
	}

	// Snapshot the subscriber list so handlers may subscribe and
	// unsubscribe while dispatch is in flight
	b.mu.RLock()
	subs := b.subs[event.Type]
	snapshot := make([]*Subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		// A subscription removed by an earlier handler in this same
		// publish must not fire
		if !b.registered(sub) {
			continue
		}
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		b.dispatch(sub, event)
	}
}

// registered reports whether the subscription is still present.
func (b *Bus) registered(sub *Subscription) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs[sub.Type] {
		if s == sub {
			return true
		}
	}
	return false
}

// dispatch invokes a single handler, containing errors and panics.
func (b *Bus) dispatch(sub *Subscription, event protection.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.HandlerPanicsTotal.Inc()
			b.logger.Error().
				Interface("panic", r).
				Str("subscription_id", sub.ID).
				Str("event_type", string(event.Type)).
				Msg("Recovered panic in event handler")
		}
	}()

	if err := sub.handler(event); err != nil {
		b.metrics.HandlerErrorsTotal.Inc()
		b.logger.Error().
			Err(err).
			Str("subscription_id", sub.ID).
			Str("event_type", string(event.Type)).
			Msg("Event handler failed")
	}
}

// Subscriptions returns a defensive copy of the subscriptions for an
// event type, in dispatch order.
func (b *Bus) Subscriptions(eventType protection.EventType) []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subs[eventType]
	out := make([]Subscription, len(subs))
	for i, sub := range subs {
		out[i] = *sub
	}
	return out
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subs {
		count += len(subs)
	}
	return count
}

// History returns the retained events, oldest first.
func (b *Bus) History() []protection.Event {
	return b.history.events()
}

// SetDebugMode toggles per-event debug logging.
func (b *Bus) SetDebugMode(enabled bool) {
	b.debug.Store(enabled)
}

// Variable for generating unique subscription IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
