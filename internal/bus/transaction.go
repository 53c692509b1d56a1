package bus

import "context"

// Transaction buffers emissions and flushes them in declared order.
// Flush takes no bus-wide lock, so emits from other goroutines may
// interleave with a flushing transaction, and a Flush that stops at an
// error leaves the events before it delivered. ModeManager and
// TimelineExecutor emit directly and do not use Transaction.
type Transaction struct {
	bus      *Bus
	buffered []bufferedEmit
}

type bufferedEmit struct {
	topic   Topic
	payload any
}

// BeginTransaction returns a new Transaction bound to b. Callers emit
// into the transaction with Emit and release the buffered events with
// Flush.
func (b *Bus) BeginTransaction() *Transaction {
	return &Transaction{bus: b}
}

// Emit buffers topic/payload for delivery on Flush. It does not touch
// the bus.
func (t *Transaction) Emit(topic Topic, payload any) {
	t.buffered = append(t.buffered, bufferedEmit{topic: topic, payload: payload})
}

// Flush delivers every buffered emit, in the order Emit was called, to
// the underlying bus. It stops at the first error so subscribers never
// see events past a transaction's failure point out of order.
func (t *Transaction) Flush(ctx context.Context) error {
	for _, be := range t.buffered {
		if err := t.bus.Emit(ctx, be.topic, be.payload); err != nil {
			return err
		}
	}
	t.buffered = nil
	return nil
}
