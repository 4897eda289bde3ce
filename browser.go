package zeroconf

import (
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
)

var initialQueryInterval = 4 * time.Second

// A ServiceListener receives browse events. Callbacks run on the browser's
// own goroutine, in order.
type ServiceListener interface {
	ServiceAdded(e *Engine, ty, name string)
	ServiceRemoved(e *Engine, ty, name string)
	ServiceUpdated(e *Engine, ty, name string)
}

// UnimplementedServiceListener panics on every callback. Embed it to build a
// listener that only cares about some events, overriding those; forgetting
// one fails loudly instead of dropping events silently.
type UnimplementedServiceListener struct{}

func (UnimplementedServiceListener) ServiceAdded(*Engine, string, string) {
	panic("zeroconf: ServiceAdded not implemented")
}

func (UnimplementedServiceListener) ServiceRemoved(*Engine, string, string) {
	panic("zeroconf: ServiceRemoved not implemented")
}

func (UnimplementedServiceListener) ServiceUpdated(*Engine, string, string) {
	panic("zeroconf: ServiceUpdated not implemented")
}

// A Browser watches the network for instances of one service type and
// reports their comings and goings. It keeps querying with an exponentially
// increasing interval and answers suppressed by what it already knows.
type Browser struct {
	engine   *Engine
	ty       string
	listener ServiceListener
	logger   *slog.Logger
	clock    clock.Clock

	mu        sync.Mutex
	instances map[string]struct{} // lowercased instance names seen alive
	events    chan Event

	cancelOnce sync.Once
	stop       chan struct{}
	done       chan struct{}
}

// Browse starts browsing for a service type, e.g. `_http._tcp.local.`.
// Instances already in the cache are reported immediately. The special
// meta-type `_services._dns-sd._udp.local.` enumerates service types
// instead; its events carry type names and never an update or removal.
func (e *Engine) Browse(ty string, listener ServiceListener) (*Browser, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if ty != serviceTypeEnumerationName {
		if err := CheckServiceType(ty); err != nil {
			return nil, err
		}
	}
	b := &Browser{
		engine:    e,
		ty:        ty,
		listener:  listener,
		logger:    e.logger,
		clock:     e.clock,
		instances: make(map[string]struct{}),
		events:    make(chan Event, 32),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, rec := range e.cache.EntriesWithName(ty) {
		b.recordUpdated(rec)
	}
	e.addObserver(b)
	go b.run()
	return b, nil
}

// Cancel stops browsing and blocks until the browse goroutine has exited.
// No callbacks are made after Cancel returns.
func (b *Browser) Cancel() {
	b.cancelOnce.Do(func() {
		b.engine.removeObserver(b)
		close(b.stop)
		<-b.done
	})
}

// recordUpdated runs on the engine's receive goroutine; it only classifies
// the record and queues an event.
func (b *Browser) recordUpdated(rec Record) {
	switch r := rec.(type) {
	case *PointerRecord:
		if !strings.EqualFold(r.Name, b.ty) {
			return
		}
		k := strings.ToLower(r.Alias)
		b.mu.Lock()
		_, known := b.instances[k]
		if !known {
			b.instances[k] = struct{}{}
		}
		b.mu.Unlock()
		if !known {
			b.emit(Event{Name: r.Alias, Type: b.ty, Op: OpAdded})
		}
	case *ServiceRecord, *TextRecord:
		k := strings.ToLower(rec.Header().Name)
		b.mu.Lock()
		_, known := b.instances[k]
		b.mu.Unlock()
		if known {
			b.emit(Event{Name: rec.Header().Name, Type: b.ty, Op: OpUpdated})
		}
	}
}

func (b *Browser) recordExpired(rec Record) {
	r, ok := rec.(*PointerRecord)
	if !ok || !strings.EqualFold(r.Name, b.ty) {
		return
	}
	k := strings.ToLower(r.Alias)
	b.mu.Lock()
	_, known := b.instances[k]
	delete(b.instances, k)
	b.mu.Unlock()
	if known {
		b.emit(Event{Name: r.Alias, Type: b.ty, Op: OpRemoved})
	}
}

func (b *Browser) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
		b.logger.Debug("browser event queue full, dropping", "event", ev)
	}
}

func (b *Browser) run() {
	defer close(b.done)

	// RFC6762 Section 8.3: [...] a Multicast DNS querier SHOULD also delay the first query of
	// the series by a randomly chosen amount in the range 20-120 ms.
	delay := time.Duration(20+rand.Int63n(100)) * time.Millisecond
	const maxInterval = 60 * time.Second
	interval := initialQueryInterval
	timer := b.clock.Timer(delay)
	defer timer.Stop()
	for {
		select {
		case <-b.stop:
			return
		case ev := <-b.events:
			b.dispatch(ev)
			continue
		case <-timer.C:
		}

		if err := b.query(); err != nil {
			b.logger.Debug("browse query failed", "type", b.ty, "err", err)
		}
		// Exponential increase of the interval with jitter:
		// the new interval will be between 1.5x and 2.5x the old interval, capped at maxInterval.
		if interval != maxInterval {
			interval += time.Duration(rand.Int63n(interval.Nanoseconds())) + interval/2
			if interval > maxInterval {
				interval = maxInterval
			}
		}
		timer.Reset(interval)
	}
}

func (b *Browser) dispatch(ev Event) {
	if b.listener == nil {
		return
	}
	switch ev.Op {
	case OpAdded:
		b.listener.ServiceAdded(b.engine, ev.Type, ev.Name)
	case OpUpdated:
		b.listener.ServiceUpdated(b.engine, ev.Type, ev.Name)
	case OpRemoved:
		b.listener.ServiceRemoved(b.engine, ev.Type, ev.Name)
	}
}

// query asks for instances of the type, suppressing answers we already hold
// with live cached PTRs as known answers.
func (b *Browser) query() error {
	out := NewOutgoing(0)
	out.AddQuestion(Question{Name: b.ty, Type: dns.TypePTR, Class: dns.ClassINET})
	now := b.clock.Now()
	for _, rec := range b.engine.cache.EntriesWithName(b.ty) {
		if _, ok := rec.(*PointerRecord); ok {
			out.AddAnswerAt(rec, now)
		}
	}
	return b.engine.Send(out)
}
