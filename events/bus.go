/*
Package events provides a synchronous, typed publish/subscribe bus.

DISPATCH RULES:
  - Emit runs every regular listener, then every once-listener, registered
    for the event type, each group in registration order.
  - Once-listeners are detached before they run, so a re-entrant Emit of
    the same type cannot fire them twice.
  - The listener set is snapshotted under the lock and the lock is released
    before any listener runs. Listeners may subscribe, unsubscribe or emit.
  - A panicking listener is recovered and logged. The remaining listeners
    still run and Emit never panics.

USAGE:
  bus := events.NewBus(logger)
  sub := bus.On(events.PointsChanged, func(e events.Event) { ... })
  defer sub.Unsubscribe()
*/
package events

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Type string

const (
	PointsChanged      Type = "points-changed"
	TransactionCreated Type = "transaction-created"
	BatchCompleted     Type = "batch-completed"
	SyncStarted        Type = "sync-started"
	SyncCompleted      Type = "sync-completed"
	SyncFailed         Type = "sync-failed"
	CircuitOpened      Type = "circuit-opened"
	QueueProcessed     Type = "queue-processed"
	StorageError       Type = "storage-error"
)

// Event is delivered to listeners. Data holds a type-specific payload.
type Event struct {
	Type      Type      `json:"type"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Emitter is the narrow publishing capability handed to services.
type Emitter interface {
	Emit(e Event)
}

type Listener func(Event)

type registration struct {
	id       uint64
	listener Listener
}

// Subscription identifies one registered listener.
type Subscription struct {
	id  uint64
	typ Type
	bus *Bus
}

// Unsubscribe detaches the listener. Calling it more than once is harmless.
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.Off(s)
	}
}

type Bus struct {
	mu     sync.Mutex
	nextID uint64
	on     map[Type][]registration
	once   map[Type][]registration
	logger *zap.Logger
	clock  func() time.Time
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		on:     make(map[Type][]registration),
		once:   make(map[Type][]registration),
		logger: logger,
		clock:  time.Now,
	}
}

func (b *Bus) On(t Type, l Listener) Subscription {
	return b.add(b.on, t, l)
}

// Once registers a listener that is removed after its first invocation.
func (b *Bus) Once(t Type, l Listener) Subscription {
	return b.add(b.once, t, l)
}

func (b *Bus) add(set map[Type][]registration, t Type, l Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	set[t] = append(set[t], registration{id: b.nextID, listener: l})
	return Subscription{id: b.nextID, typ: t, bus: b}
}

// Off removes the listener behind sub from both groups.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.on[sub.typ] = without(b.on[sub.typ], sub.id)
	b.once[sub.typ] = without(b.once[sub.typ], sub.id)
	b.prune(sub.typ)
}

func without(regs []registration, id uint64) []registration {
	for i, r := range regs {
		if r.id == id {
			out := make([]registration, 0, len(regs)-1)
			out = append(out, regs[:i]...)
			return append(out, regs[i+1:]...)
		}
	}
	return regs
}

func (b *Bus) prune(t Type) {
	if len(b.on[t]) == 0 {
		delete(b.on, t)
	}
	if len(b.once[t]) == 0 {
		delete(b.once, t)
	}
}

// Emit dispatches e synchronously and returns after all listeners ran.
// A zero Timestamp is stamped with the bus clock.
func (b *Bus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock().UTC()
	}

	b.mu.Lock()
	regular := append([]registration(nil), b.on[e.Type]...)
	onceRegs := b.once[e.Type]
	delete(b.once, e.Type)
	b.mu.Unlock()

	for _, r := range regular {
		b.invoke(e, r)
	}
	for _, r := range onceRegs {
		b.invoke(e, r)
	}
}

func (b *Bus) invoke(e Event, r registration) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event listener panicked",
				zap.String("event_type", string(e.Type)),
				zap.Uint64("listener_id", r.id),
				zap.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	r.listener(e)
}

func (b *Bus) GetListenerCount(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.on[t]) + len(b.once[t])
}

func (b *Bus) HasListeners(t Type) bool {
	return b.GetListenerCount(t) > 0
}

// GetEventTypes returns the types with at least one listener, sorted.
func (b *Bus) GetEventTypes() []Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[Type]struct{}, len(b.on)+len(b.once))
	for t := range b.on {
		seen[t] = struct{}{}
	}
	for t := range b.once {
		seen[t] = struct{}{}
	}
	types := make([]Type, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// RemoveAllListeners clears the given types, or every type when none is given.
func (b *Bus) RemoveAllListeners(types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.on = make(map[Type][]registration)
		b.once = make(map[Type][]registration)
		return
	}
	for _, t := range types {
		delete(b.on, t)
		delete(b.once, t)
	}
}

// StorageErrorPayload is the Data of a StorageError event.
type StorageErrorPayload struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Error string `json:"error"`
}

// StorageErrorReporter adapts e into a storage error hook.
func StorageErrorReporter(e Emitter) func(op, key string, err error) {
	return func(op, key string, err error) {
		e.Emit(Event{Type: StorageError, Data: StorageErrorPayload{Op: op, Key: key, Error: err.Error()}})
	}
}
