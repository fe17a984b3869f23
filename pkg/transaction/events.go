package transaction

import (
	"fmt"
	"sync"
)

// EventType names a manager lifecycle event.
type EventType string

const (
	EventOperationAdded       EventType = "operation-added"
	EventOperationRemoved     EventType = "operation-removed"
	EventTransactionStart     EventType = "transaction-start"
	EventOperationComplete    EventType = "operation-complete"
	EventTransactionComplete  EventType = "transaction-complete"
	EventTransactionError     EventType = "transaction-error"
	EventRollbackComplete     EventType = "rollback-complete"
	EventTransactionCancelled EventType = "transaction-cancelled"
)

// Event is delivered to listeners. Only the fields relevant to Type are set;
// Transaction is a snapshot taken when the event fired.
//
// EventTransactionError is also fired when an automatic commit could not
// start at all (Err is ErrTransactionExecuting or ErrCannotCommit). Results
// is then empty, and Transaction is the still active transaction or nil
// when there is none, so listeners must check it.
type Event[K comparable, T any] struct {
	Type        EventType
	Transaction *Transaction[K, T]
	Operation   *Operation[K, T]
	Result      *Result[K, T]
	Results     []Result[K, T]
	Err         error
}

// Listener receives manager events. Listeners run on the goroutine that
// caused the event, outside the manager lock.
type Listener[K comparable, T any] func(Event[K, T])

// Subscription identifies a registered listener. Pass it to Off to remove
// exactly that listener.
type Subscription struct {
	event EventType
	id    uint64
}

type listenerEntry[K comparable, T any] struct {
	id uint64
	fn Listener[K, T]
}

// eventBus keeps listeners per event in subscription order.
type eventBus[K comparable, T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[EventType][]listenerEntry[K, T]
}

func newEventBus[K comparable, T any]() *eventBus[K, T] {
	return &eventBus[K, T]{
		listeners: make(map[EventType][]listenerEntry[K, T]),
	}
}

func (b *eventBus[K, T]) on(event EventType, fn Listener[K, T]) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners[event] = append(b.listeners[event], listenerEntry[K, T]{id: b.nextID, fn: fn})
	return Subscription{event: event, id: b.nextID}
}

func (b *eventBus[K, T]) off(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.listeners[sub.event]
	for i, e := range entries {
		if e.id == sub.id {
			b.listeners[sub.event] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

func (b *eventBus[K, T]) count(event EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// emit calls every listener for ev.Type. A panicking listener does not stop
// the others; the panic is returned as an error for logging.
func (b *eventBus[K, T]) emit(ev Event[K, T]) []error {
	b.mu.RLock()
	entries := append([]listenerEntry[K, T](nil), b.listeners[ev.Type]...)
	b.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		if err := callListener(e.fn, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func callListener[K comparable, T any](fn Listener[K, T], ev Event[K, T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener for %s panicked: %v", ev.Type, r)
		}
	}()
	fn(ev)
	return nil
}
