package bus

import "fmt"

// ErrBadTopic reports a topic absent from the central registry.
// SubscribeSync returns it; Emit logs it and drops the event without
// raising it to the emitter.
type ErrBadTopic struct {
	Topic Topic
}

func (e *ErrBadTopic) Error() string {
	return fmt.Sprintf("bus: unknown topic %q", e.Topic)
}

// ErrHandlerTimeout records that a handler did not return within its
// per-handler emit timeout. It is logged, never returned to Emit's
// caller unless propagate_errors is enabled on the bus.
type ErrHandlerTimeout struct {
	Topic          Topic
	SubscriptionID string
	Timeout        string
}

func (e *ErrHandlerTimeout) Error() string {
	return fmt.Sprintf("bus: handler %s for topic %q timed out after %s", e.SubscriptionID, e.Topic, e.Timeout)
}

// ErrDuplicateSubscription describes a subscription ID that is already
// registered for a topic. SubscribeSync does not return it and is not
// idempotent: every call is given a fresh ID, so subscribing the same
// handler twice registers it twice and it runs twice per emit.
type ErrDuplicateSubscription struct {
	Topic Topic
	ID    string
}

func (e *ErrDuplicateSubscription) Error() string {
	return fmt.Sprintf("bus: subscription %s already registered for topic %q", e.ID, e.Topic)
}
