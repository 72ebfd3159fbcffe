// Package eventbus implements the typed pub/sub core described in:
// exact and glob-pattern subscriptions, bounded history, an optional
// distribution adapter for cross-process fan-out, and swallow-and-log
// handler error semantics.
//
// Grounded on overseer/client.go dispatch loop (a single
// switch routing inbound messages to registered callbacks without letting
// one bad handler wedge the read loop) generalized from a fixed message
// vocabulary to arbitrary dot-separated event names.
package eventbus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Record is a single published event, as retained in history.
type Record struct {
	Name      string
	Data      any
	Metadata  map[string]any
	Timestamp time.Time
}

// Handler receives a delivered event. Handlers run on the calling goroutine;
// emit waits for every handler it invokes synchronously before returning,
// catching panics and errors alike.
type Handler func(ctx context.Context, rec Record)

// Distributor bridges the bus to an external transport (e.g. a message
// broker, or another process). Subscribe's callback must feed received
// records back through Bus.deliverLocal, NEVER through Bus.Emit, or the
// adapter would re-publish its own deliveries.
type Distributor interface {
	Publish(ctx context.Context, rec Record) error
	Subscribe(deliver func(Record)) error
	Stop() error
}

// History is the pluggable backing store for getHistory. The default is an
// in-memory bounded ring (NewRingHistory); nothing else in this package
// depends on the concrete type.
type History interface {
	Append(rec Record)
	Query(name string, limit int) []Record
}

type subscription struct {
	id      uint64
	pattern string
	exact   bool
	handler Handler
	once    bool
	fired   bool // set under Bus.mu once an at-most-once handler has run
}

// Bus is a single-process typed event bus. The zero value is not usable;
// construct with New.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]*subscription // keyed by exact name or glob pattern
	nextID  uint64
	history History
	dist    Distributor
	stopped bool
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithHistory overrides the default bounded ring history adapter.
func WithHistory(h History) Option { return func(b *Bus) { b.history = h } }

// WithDistributor wires an external distribution adapter. Its Subscribe is
// called immediately so remote events start flowing into local dispatch.
func WithDistributor(d Distributor) Option {
	return func(b *Bus) {
		b.dist = d
		_ = d.Subscribe(func(rec Record) { b.deliverLocal(context.Background(), rec) })
	}
}

// New constructs a Bus with a default 1000-entry ring history,
// overridable via options.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string][]*subscription),
		history: NewRingHistory(1000),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is returned by On/Once and can be passed to Off, or simply
// dropped — nothing leaks until Off or Stop is called.
type Subscription struct {
	bus *Bus
	key string
	id  uint64
}

// On registers handler for name, which may contain "*" as a path-segment
// wildcard ("order.*" matches "order.created" and "order.created.v2").
func (b *Bus) On(name string, handler Handler) Subscription {
	return b.subscribe(name, handler, false)
}

// Once registers handler to fire exactly once, even under concurrent
// deliveries for the same name: K concurrent emits deliver exactly one
// invocation.
func (b *Bus) Once(name string, handler Handler) Subscription {
	return b.subscribe(name, handler, true)
}

func (b *Bus) subscribe(name string, handler Handler, once bool) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{id: b.nextID, pattern: name, exact: !strings.Contains(name, "*"), handler: handler, once: once}
	b.subs[name] = append(b.subs[name], sub)
	return Subscription{bus: b, key: name, id: sub.id}
}

// Off removes one subscription (if sub is non-nil) or every handler
// registered for name.
func (b *Bus) Off(name string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub == nil {
		delete(b.subs, name)
		return
	}
	list := b.subs[name]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}

// Emit publishes name with data and optional metadata. After Stop, Emit is a
// silent no-op. Delivery order: distribution adapter, exact
// handlers, then glob handlers; async (goroutine-spawning) handlers are the
// caller's own concern — Emit itself is synchronous and awaits everything it
// invokes directly.
func (b *Bus) Emit(ctx context.Context, name string, data any, metadata ...map[string]any) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	var md map[string]any
	if len(metadata) > 0 {
		md = metadata[0]
	}
	rec := Record{Name: name, Data: data, Metadata: md, Timestamp: time.Now()}

	if b.dist != nil {
		if err := b.dist.Publish(ctx, rec); err != nil {
			log.Printf("eventbus: distributor publish %q: %v", name, err)
		}
	}

	b.deliverLocal(ctx, rec)
}

// deliverLocal dispatches rec to local handlers only (exact then glob),
// without touching the distribution adapter. Used both by Emit and as the
// Distributor's inbound delivery path, so remote events never loop back out.
func (b *Bus) deliverLocal(ctx context.Context, rec Record) {
	b.history.Append(rec)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	var toFire []*subscription
	if exact, ok := b.subs[rec.Name]; ok {
		toFire = append(toFire, exact...)
	}
	for pattern, subs := range b.subs {
		if pattern == rec.Name {
			continue
		}
		if !strings.Contains(pattern, "*") {
			continue
		}
		if globMatch(pattern, rec.Name) {
			toFire = append(toFire, subs...)
		}
	}
	// Snapshot "once" firing decisions under the lock so concurrent Emit
	// calls for the same name agree on exactly one winner.
	var fireNow []*subscription
	for _, s := range toFire {
		if s.once {
			if s.fired {
				continue
			}
			s.fired = true
		}
		fireNow = append(fireNow, s)
	}
	b.mu.Unlock()

	for _, s := range fireNow {
		b.invoke(ctx, s, rec)
		if s.once {
			b.Off(s.pattern, &Subscription{id: s.id})
		}
	}
}

func (b *Bus) invoke(ctx context.Context, s *subscription, rec Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("eventbus: handler for %q panicked: %v", rec.Name, r)
		}
	}()
	s.handler(ctx, rec)
}

// GetHistory returns up to limit of the newest retained records for name, or
// for every name when name == "*".
func (b *Bus) GetHistory(name string, limit int) []Record {
	return b.history.Query(name, limit)
}

// Stop prevents further emission or delivery, stops the distribution
// adapter (if any), and drops all handlers. Safe to call more than once.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.subs = make(map[string][]*subscription)
	dist := b.dist
	b.mu.Unlock()

	if dist != nil {
		if err := dist.Stop(); err != nil {
			return fmt.Errorf("eventbus: stop distributor: %w", err)
		}
	}
	return nil
}

// globMatch reports whether name matches pattern. A "*" segment matches
// exactly one dot-separated segment of name, except as the final pattern
// segment, where it matches one or more remaining segments: "order.*"
// matches "order.created" and "order.created.v2".
func globMatch(pattern, name string) bool {
	pp := strings.Split(pattern, ".")
	np := strings.Split(name, ".")
	i := 0
	for ; i < len(pp); i++ {
		if pp[i] == "*" {
			// A "*" segment matches one-or-more of the remaining name
			// segments only when it is the final pattern segment; this
			// lets "order.*" reach "order.created.v2".
			if i == len(pp)-1 {
				return i < len(np)
			}
			if i >= len(np) {
				return false
			}
			continue
		}
		if i >= len(np) || pp[i] != np[i] {
			return false
		}
	}
	return i == len(np)
}
