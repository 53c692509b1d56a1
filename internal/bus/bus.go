// Package bus implements the CantinaOS event bus: a topic-addressed
// publish/subscribe dispatcher with typed payload validation,
// synchronous subscription guarantees, per-handler isolation and
// timeout, and cancellation-safe emit.
//
// The dispatch shape (identity-keyed subscriber registry, nil-safe
// receiver behavior, non-blocking-to-the-emitter delivery) is grounded
// on the teacher's internal/events.Bus, generalized from a pure
// broadcast channel fan-out into a handler-dispatch bus that validates
// payloads against a schema registry and awaits each handler with its
// own timeout, per spec §4.1.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHandlerTimeout is the per-handler emit timeout (§4.1, §5).
const DefaultHandlerTimeout = 2 * time.Second

// DefaultSuspectThreshold is the number of consecutive timeouts after
// which a handler is marked suspect (§4.1 Failure modes).
const DefaultSuspectThreshold = 3

// Handler receives a dict-shaped view of a validated (or
// fallback-raw) payload. Handlers must never block indefinitely — the
// bus bounds every call with a per-handler timeout — and must be
// cancellation-safe: a handler whose ctx is cancelled should return
// promptly rather than continue background work.
type Handler func(ctx context.Context, topic Topic, payload map[string]any) error

// Subscription identifies one (topic, handler) registration. The ID is
// a stable token independent of closure equality (Design Notes §9),
// generated at registration time so Unsubscribe is reliable even when
// the same function value is subscribed more than once.
type Subscription struct {
	ID    string
	Topic Topic
	Owner string
}

type subscriberEntry struct {
	sub              *Subscription
	handler          Handler
	consecutiveTimes int
	suspect          bool
}

// Bus is the CantinaOS event bus. The zero value is not usable; call
// New.
type Bus struct {
	logger *slog.Logger
	reg    *registry

	mu   sync.RWMutex
	subs map[Topic][]*subscriberEntry

	handlerTimeout   time.Duration
	suspectThreshold int
	propagateErrors  bool
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithHandlerTimeout overrides the default 2s per-handler emit timeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.handlerTimeout = d }
}

// WithPropagateErrors enables the test-harness behavior of rethrowing
// the first handler error from Emit after all handlers have been
// attempted. Off by default (§4.1).
func WithPropagateErrors(enabled bool) Option {
	return func(b *Bus) { b.propagateErrors = enabled }
}

// New creates a ready-to-use Bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:           logger,
		reg:              newRegistry(),
		subs:             make(map[Topic][]*subscriberEntry),
		handlerTimeout:   DefaultHandlerTimeout,
		suspectThreshold: DefaultSuspectThreshold,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubscribeSync registers handler for topic and returns only after the
// handler has been atomically added to the topic's dispatch set — any
// Emit the caller issues after this call returns is guaranteed to
// reach handler (§4.1, §8's "synchronous subscription" invariant).
func (b *Bus) SubscribeSync(topic Topic, owner string, handler Handler) (*Subscription, error) {
	if !IsKnownTopic(topic) {
		return nil, &ErrBadTopic{Topic: topic}
	}
	sub := &Subscription{ID: uuid.NewString(), Topic: topic, Owner: owner}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], &subscriberEntry{sub: sub, handler: handler})
	return sub, nil
}

// Unsubscribe removes sub. Idempotent: removing an already-removed
// subscription, or a nil sub, is a no-op. Best-effort: an emit already
// in flight for this handler may complete one final delivery.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subs[sub.Topic]
	for i, e := range entries {
		if e.sub.ID == sub.ID {
			b.subs[sub.Topic] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription owned by owner. Called by
// BaseService on stop.
func (b *Bus) UnsubscribeAll(owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, entries := range b.subs {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.sub.Owner != owner {
				kept = append(kept, e)
			}
		}
		b.subs[topic] = kept
	}
}

// SubscriberCount returns the number of active subscribers for topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Emit validates payload against topic's schema (falling back to a raw
// dict view with a warning on mismatch) and delivers it to every
// subscriber of topic, independently and with a per-handler timeout.
// Dispatch order is insertion order (§5); emits on the same topic from
// the same goroutine preserve relative order because Emit only returns
// after all current-round handlers have been attempted.
//
// A handler's panic or returned error is caught, logged, and reported
// via a SERVICE_ERROR emit; it never prevents other handlers from
// running and is never raised to Emit's caller unless the bus was
// constructed with WithPropagateErrors.
func (b *Bus) Emit(ctx context.Context, topic Topic, payload any) error {
	if !IsKnownTopic(topic) {
		b.logger.Warn("emit on unknown topic", "topic", string(topic), "error", &ErrBadTopic{Topic: topic})
		return nil
	}

	dict, ok, err := b.reg.validate(topic, payload)
	if err != nil {
		return fmt.Errorf("bus: validate %q: %w", topic, err)
	}
	if !ok {
		b.logger.Warn("payload failed schema validation, delivering raw dict", "topic", string(topic))
	}

	b.mu.RLock()
	entries := append([]*subscriberEntry{}, b.subs[topic]...)
	b.mu.RUnlock()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, entry := range entries {
		wg.Add(1)
		go func(entry *subscriberEntry) {
			defer wg.Done()
			err := b.dispatchOne(ctx, topic, dict, entry)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(entry)
	}
	wg.Wait()

	if b.propagateErrors && firstErr != nil {
		return firstErr
	}
	return nil
}

// dispatchOne invokes a single handler with the per-handler timeout,
// recovering panics and converting both panics and returned errors
// into a logged SERVICE_ERROR emit. It returns the handler's error (or
// a synthesized timeout error) so Emit can track it for
// propagate_errors, without ever letting it interrupt sibling
// handlers.
func (b *Bus) dispatchOne(ctx context.Context, topic Topic, dict map[string]any, entry *subscriberEntry) (handlerErr error) {
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	done := make(chan struct{})
	var panicVal any
	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicVal = r
			}
			close(done)
		}()
		handlerErr = entry.handler(hctx, topic, dict)
	}()

	select {
	case <-done:
		if panicVal != nil {
			err := fmt.Errorf("bus: handler %s panicked: %v", entry.sub.ID, panicVal)
			b.logger.Error("handler panic", "subscription", entry.sub.ID, "topic", string(topic), "panic", panicVal)
			b.reportHandlerFailure(entry, err)
			b.resetSuspect(entry)
			return err
		}
		if handlerErr != nil {
			b.logger.Error("handler error", "subscription", entry.sub.ID, "topic", string(topic), "error", handlerErr)
			b.reportHandlerFailure(entry, handlerErr)
			b.resetSuspect(entry)
			return handlerErr
		}
		b.resetSuspect(entry)
		return nil
	case <-hctx.Done():
		timeoutErr := &ErrHandlerTimeout{Topic: topic, SubscriptionID: entry.sub.ID, Timeout: b.handlerTimeout.String()}
		b.logger.Warn("handler timeout", "subscription", entry.sub.ID, "topic", string(topic), "timeout", b.handlerTimeout)
		b.markSuspect(entry)
		return timeoutErr
	}
}

func (b *Bus) resetSuspect(entry *subscriberEntry) {
	b.mu.Lock()
	entry.consecutiveTimes = 0
	entry.suspect = false
	b.mu.Unlock()
}

func (b *Bus) markSuspect(entry *subscriberEntry) {
	b.mu.Lock()
	entry.consecutiveTimes++
	if entry.consecutiveTimes >= b.suspectThreshold {
		entry.suspect = true
	}
	count := entry.consecutiveTimes
	suspect := entry.suspect
	b.mu.Unlock()
	if suspect {
		b.logger.Warn("handler marked suspect after consecutive timeouts",
			"subscription", entry.sub.ID, "owner", entry.sub.Owner, "count", count)
	}
}

// reportHandlerFailure emits SERVICE_ERROR for a handler's panic or
// returned error using a fresh background context, so the error report
// itself is not cut short by the original emit's context. Timeouts are
// not reported here: dispatchOne only logs them and counts them toward
// the suspect threshold.
func (b *Bus) reportHandlerFailure(entry *subscriberEntry, cause error) {
	payload := map[string]any{
		"timestamp": time.Now(),
		"source":    entry.sub.Owner,
		"kind":      "handler_failure",
		"message":   cause.Error(),
		"topic":     string(entry.sub.Topic),
	}
	if err := b.Emit(context.Background(), TopicServiceError, payload); err != nil {
		b.logger.Error("failed to emit SERVICE_ERROR", "error", err)
	}
}
