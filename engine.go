package zeroconf

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
)

const (
	// Probing, RFC 6762 Section 8.1: three queries 175ms apart before a
	// name is claimed.
	probeCount    = 3
	probeInterval = 175 * time.Millisecond

	// Announcing, RFC 6762 Section 8.3: unsolicited responses after the
	// name is claimed.
	announceCount    = 3
	announceInterval = 225 * time.Millisecond

	// Goodbye broadcasts when a service is withdrawn.
	goodbyeCount    = 3
	goodbyeInterval = 125 * time.Millisecond

	// Cache sweep cadence.
	cleanupFreq = 10 * time.Second

	// Demotion window for repeating log messages.
	logThrottleWindow = 5 * time.Second
)

// A cacheObserver is told about records entering and leaving the cache.
// Callbacks run on the engine's receive goroutine and must not block.
type cacheObserver interface {
	recordUpdated(rec Record)
	recordExpired(rec Record)
}

// A NotifyListener is called after every engine state change: records
// entering or leaving the cache, and observers coming or going. Callbacks
// run on the goroutine that caused the change and must not block.
type NotifyListener interface {
	NotifyAll()
}

// UnimplementedNotifyListener panics when invoked. Embed it so a listener
// that forgets to override NotifyAll fails loudly instead of dropping
// changes silently.
type UnimplementedNotifyListener struct{}

func (UnimplementedNotifyListener) NotifyAll() {
	panic("zeroconf: NotifyAll not implemented")
}

// RegisterOptions tune service registration.
type RegisterOptions struct {
	// TTL overrides both record-class TTLs with a single value, in seconds.
	TTL uint32

	// On a name conflict, retry under `<instance>-<n>.<type>` instead of
	// failing with ErrNonUniqueName.
	AllowNameChange bool

	// Skip probing entirely. For several responders intentionally answering
	// for the same name, e.g. an anycast-style service.
	CooperatingResponders bool
}

// Engine is the mDNS responder and querier. It owns the multicast
// connections, the record cache and the registry of local services, and runs
// the receive and housekeeping goroutines between Open and Close.
type Engine struct {
	logger   *slog.Logger
	clock    clock.Clock
	conn     transport
	cache    *Cache
	registry *Registry
	handler  *queryHandler
	throttle *logThrottle

	mu              sync.Mutex
	changed         chan struct{} // closed and replaced on every state change
	observers       []cacheObserver
	notifyListeners []NotifyListener
	nextAnnounce    map[string]time.Time // instance name -> next refresh broadcast

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
	wg        sync.WaitGroup
}

func newEngine(conn transport, logger *slog.Logger, clk clock.Clock) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	e := &Engine{
		logger:       logger,
		clock:        clk,
		conn:         conn,
		cache:        NewCache(clk),
		registry:     NewRegistry(),
		changed:      make(chan struct{}),
		nextAnnounce: make(map[string]time.Time),
		stop:         make(chan struct{}),
		throttle:     &logThrottle{logger: logger, clock: clk, window: logThrottleWindow, last: make(map[string]time.Time)},
	}
	e.handler = &queryHandler{registry: e.registry}
	return e
}

func (e *Engine) start() {
	ch := make(chan packet, 32)
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.conn.RunReader(ch); err != nil && !e.closed.Load() {
			e.logger.Debug("reader stopped", "err", err)
		}
	}()
	go func() {
		defer e.wg.Done()
		e.run(ch)
	}()
}

// Cache returns the engine's record cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Registry returns the registry of locally registered services.
func (e *Engine) Registry() *Registry { return e.registry }

// run is the engine's main loop: incoming packets, the periodic cache sweep
// and re-announcements of registered services.
func (e *Engine) run(ch <-chan packet) {
	ticker := e.clock.Ticker(cleanupFreq)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			// Drain until the reader closes the channel, so a reader
			// blocked on a full channel can reach the socket error.
			for range ch {
			}
			return
		case <-ticker.C:
			e.sweep()
		case pkt, ok := <-ch:
			if !ok {
				return
			}
			e.handlePacket(pkt)
		}
	}
}

func (e *Engine) sweep() {
	for _, rec := range e.cache.Expire() {
		e.notifyObservers(func(o cacheObserver) { o.recordExpired(rec) })
	}
	now := e.clock.Now()
	e.mu.Lock()
	var due []string
	for name, at := range e.nextAnnounce {
		if !now.Before(at) {
			due = append(due, name)
		}
	}
	e.mu.Unlock()
	for _, name := range due {
		info := e.registry.Get(name)
		if info == nil {
			e.mu.Lock()
			delete(e.nextAnnounce, name)
			e.mu.Unlock()
			continue
		}
		_ = e.Send(generateServiceBroadcast(info, -1))
		e.scheduleAnnounce(info)
	}
	e.notifyAll()
}

// Refresh broadcasts go out at half the host-record TTL, with a little
// jitter so co-located services don't synchronize.
func (e *Engine) scheduleAnnounce(info *ServiceInfo) {
	half := time.Duration(info.hostTTL()) * time.Second / 2
	jitter := time.Duration(rand.Int63n(int64(half / 8)))
	e.mu.Lock()
	e.nextAnnounce[strings.ToLower(info.Name)] = e.clock.Now().Add(half + jitter)
	e.mu.Unlock()
}

func (e *Engine) handlePacket(pkt packet) {
	msg, err := newIncomingAt(pkt.data, e.clock.Now())
	if err != nil {
		e.logger.Debug("dropping malformed packet", "src", pkt.src, "err", err)
		return
	}
	if msg.IsQuery() {
		e.handleQuery(msg, pkt)
	} else {
		e.handleResponse(msg)
	}
}

// A query from a port other than 5353 is a legacy (one-shot) query and gets
// a unicast reply, as does one whose questions all set the QU bit.
func (e *Engine) handleQuery(msg *Incoming, pkt packet) {
	if len(msg.Questions) == 0 {
		return
	}
	unicast := pkt.src.Port() != mdnsPort
	if !unicast {
		unicast = true
		for _, q := range msg.Questions {
			if !q.UnicastResponse() {
				unicast = false
				break
			}
		}
	}
	out := e.handler.Response(msg, unicast)
	if out == nil {
		return
	}
	if unicast {
		e.sendUnicast(out, pkt.ifIndex, pkt.src)
	} else {
		_ = e.Send(out)
	}
}

// All records of a response feed the cache, additionals included. TTL 0 is a
// goodbye and evicts immediately. Pointer records are applied last, so a new
// instance's SRV/TXT from the same message don't surface before its add.
func (e *Engine) handleResponse(msg *Incoming) {
	var ptrs []Record
	for _, sec := range [][]Record{msg.Answers, msg.Authorities, msg.Additionals} {
		for _, rec := range sec {
			if _, ok := rec.(*PointerRecord); ok {
				ptrs = append(ptrs, rec)
				continue
			}
			e.updateRecord(rec)
		}
	}
	for _, rec := range ptrs {
		e.updateRecord(rec)
	}
	e.notifyAll()
}

func (e *Engine) updateRecord(rec Record) {
	if rec.Header().TTL == 0 {
		e.cache.Remove(rec)
		e.notifyObservers(func(o cacheObserver) { o.recordExpired(rec) })
		return
	}
	refresh := e.cache.Get(rec) != nil
	e.cache.Add(rec)
	if !refresh {
		e.notifyObservers(func(o cacheObserver) { o.recordUpdated(rec) })
	}
}

func (e *Engine) addObserver(o cacheObserver) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
	e.notifyAll()
}

func (e *Engine) removeObserver(o cacheObserver) {
	e.mu.Lock()
	kept := e.observers[:0]
	for _, obs := range e.observers {
		if obs != o {
			kept = append(kept, obs)
		}
	}
	e.observers = kept
	e.mu.Unlock()
	e.notifyAll()
}

func (e *Engine) notifyObservers(fn func(cacheObserver)) {
	e.mu.Lock()
	observers := append([]cacheObserver(nil), e.observers...)
	e.mu.Unlock()
	for _, o := range observers {
		fn(o)
	}
}

// AddNotifyListener registers a listener for engine state changes. Adding
// the same listener twice keeps a single registration.
func (e *Engine) AddNotifyListener(l NotifyListener) {
	e.mu.Lock()
	for _, x := range e.notifyListeners {
		if x == l {
			e.mu.Unlock()
			return
		}
	}
	e.notifyListeners = append(e.notifyListeners, l)
	e.mu.Unlock()
	e.notifyAll()
}

// RemoveNotifyListener drops a previously added listener. Removing an
// unknown listener is a no-op.
func (e *Engine) RemoveNotifyListener(l NotifyListener) {
	e.mu.Lock()
	kept := e.notifyListeners[:0]
	for _, x := range e.notifyListeners {
		if x != l {
			kept = append(kept, x)
		}
	}
	e.notifyListeners = kept
	e.mu.Unlock()
	e.notifyAll()
}

// notifyAll wakes everything blocked in wait and fans out to the registered
// notify listeners.
func (e *Engine) notifyAll() {
	e.mu.Lock()
	close(e.changed)
	e.changed = make(chan struct{})
	listeners := append([]NotifyListener(nil), e.notifyListeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		l.NotifyAll()
	}
}

// wait blocks until the engine state changes, d elapses or the engine stops.
func (e *Engine) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	ch := e.changed
	e.mu.Unlock()
	t := e.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	case <-e.stop:
	}
}

// Send serializes and multicasts a message on all interfaces. Packets over
// the absolute size ceiling are dropped with a throttled warning.
func (e *Engine) Send(out *Outgoing) error {
	if e.closed.Load() {
		e.throttle.log("send-after-close", "send after close")
		return ErrEngineClosed
	}
	packets, err := out.Packets()
	if err != nil {
		return err
	}
	for _, data := range packets {
		if len(data) > maxMsgAbsolute {
			e.throttle.log("oversize", "dropping oversize packet", "len", len(data))
			continue
		}
		if err := e.conn.WriteMulticastAll(data); err != nil {
			e.throttle.log("send-error", "sending failed", "err", err)
			return err
		}
	}
	return nil
}

func (e *Engine) sendUnicast(out *Outgoing, ifIndex int, dst netip.AddrPort) {
	packets, err := out.Packets()
	if err != nil {
		e.logger.Debug("building unicast response failed", "err", err)
		return
	}
	for _, data := range packets {
		if len(data) > maxMsgAbsolute {
			e.throttle.log("oversize", "dropping oversize packet", "len", len(data))
			continue
		}
		if err := e.conn.WriteUnicast(data, ifIndex, dst); err != nil {
			e.throttle.log("send-error", "sending failed", "dst", dst, "err", err)
		}
	}
}

// RegisterService probes for name uniqueness, adds the service to the
// registry and announces it. Blocks for the probe and announce cycles,
// roughly a second.
func (e *Engine) RegisterService(info *ServiceInfo, opts *RegisterOptions) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if opts == nil {
		opts = &RegisterOptions{}
	}
	if err := info.Validate(); err != nil {
		return err
	}
	if opts.TTL != 0 {
		info.HostTTL, info.OtherTTL = opts.TTL, opts.TTL
	}
	if !opts.CooperatingResponders {
		if err := e.checkService(info, opts.AllowNameChange); err != nil {
			return err
		}
	}
	if err := e.registry.Add(info); err != nil {
		return err
	}
	e.scheduleAnnounce(info)
	e.notifyAll()
	return e.broadcastService(info, announceInterval, announceCount, -1)
}

// UnregisterService says goodbye for a service and forgets it.
func (e *Engine) UnregisterService(info *ServiceInfo) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.registry.Remove(info.Name)
	e.mu.Lock()
	delete(e.nextAnnounce, strings.ToLower(info.Name))
	e.mu.Unlock()
	e.notifyAll()
	return e.broadcastService(info, goodbyeInterval, goodbyeCount, 0)
}

// UpdateService replaces the registered info for a name and re-announces it.
func (e *Engine) UpdateService(info *ServiceInfo) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := info.Validate(); err != nil {
		return err
	}
	e.registry.Update(info)
	e.scheduleAnnounce(info)
	e.notifyAll()
	return e.broadcastService(info, announceInterval, announceCount, -1)
}

func (e *Engine) unregisterAll() {
	for _, info := range e.registry.All() {
		if err := e.UnregisterService(info); err != nil {
			e.logger.Debug("unregister failed", "service", info.Name, "err", err)
		}
	}
}

// checkService probes for the candidate name. A conflict restarts the cycle,
// renamed to `<instance>-<n>.<type>` when allowed.
func (e *Engine) checkService(info *ServiceInfo, allowNameChange bool) error {
	instance := info.Instance()
	nextInstance := 2
	now := e.clock.Now()
	nextTime := now
	for i := 0; i < probeCount; {
		if e.conflictingRecord(info) != nil {
			if !allowNameChange {
				return ErrNonUniqueName
			}
			info.Name = fmt.Sprintf("%s-%d.%s", instance, nextInstance, info.Type)
			nextInstance++
			i = 0
			nextTime = now
		}
		if now.Before(nextTime) {
			e.wait(nextTime.Sub(now))
			now = e.clock.Now()
			continue
		}
		if err := e.Send(generateServiceQuery(info)); err != nil {
			return err
		}
		i++
		nextTime = nextTime.Add(probeInterval)
		now = e.clock.Now()
	}
	return nil
}

// A cached PTR aliasing the candidate name means someone else claims it,
// unless the cached SRV shows it is this very service re-registering.
func (e *Engine) conflictingRecord(info *ServiceInfo) Record {
	for _, rec := range e.cache.EntriesWithName(info.Type) {
		ptr, ok := rec.(*PointerRecord)
		if !ok || !strings.EqualFold(ptr.Alias, info.Name) {
			continue
		}
		if srv, ok := e.cache.GetByDetails(info.Name, dns.TypeSRV, dns.ClassINET).(*ServiceRecord); ok &&
			strings.EqualFold(srv.Server, info.Server) && srv.Port == info.Port {
			continue
		}
		return ptr
	}
	return nil
}

// The probe query: a PTR question for the type, with the proposed instance
// PTR in the authority section.
func generateServiceQuery(info *ServiceInfo) *Outgoing {
	out := NewOutgoing(flagAA)
	out.AddQuestion(Question{Name: info.Type, Type: dns.TypePTR, Class: dns.ClassINET})
	out.AddAuthority(info.pointerRecord())
	return out
}

// An unsolicited response advertising the service: PTR, SRV, TXT and one
// record per address, in that order. ttl < 0 keeps the per-class defaults;
// 0 makes a goodbye.
func generateServiceBroadcast(info *ServiceInfo, ttl int) *Outgoing {
	out := NewOutgoing(flagResponse | flagAA)
	out.AddAnswer(nil, overrideTTL(info.pointerRecord(), ttl))
	out.AddAnswer(nil, overrideTTL(info.serviceRecord(), ttl))
	out.AddAnswer(nil, overrideTTL(info.textRecord(), ttl))
	for _, rec := range info.addressRecords() {
		out.AddAnswer(nil, overrideTTL(rec, ttl))
	}
	return out
}

func overrideTTL(rec Record, ttl int) Record {
	if ttl >= 0 {
		rec.Header().TTL = uint32(ttl)
	}
	return rec
}

func (e *Engine) broadcastService(info *ServiceInfo, interval time.Duration, count int, ttl int) error {
	nextTime := e.clock.Now()
	for i := 0; i < count; {
		now := e.clock.Now()
		if now.Before(nextTime) {
			e.wait(nextTime.Sub(now))
			continue
		}
		if err := e.Send(generateServiceBroadcast(info, ttl)); err != nil {
			return err
		}
		i++
		nextTime = nextTime.Add(interval)
	}
	return nil
}

// Close withdraws all registered services, stops the goroutines and closes
// the connections. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.unregisterAll()
		e.closed.Store(true)
		close(e.stop)
		e.closeErr = e.conn.Close()
		e.wg.Wait()
	})
	return e.closeErr
}

// logThrottle demotes repeats of a message within the window to debug level,
// so a flood of the same condition warns once.
type logThrottle struct {
	logger *slog.Logger
	clock  clock.Clock
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func (t *logThrottle) log(key, msg string, args ...any) {
	now := t.clock.Now()
	t.mu.Lock()
	last, seen := t.last[key]
	demote := seen && now.Sub(last) < t.window
	if !demote {
		t.last[key] = now
	}
	t.mu.Unlock()
	if demote {
		t.logger.Debug(msg, args...)
	} else {
		t.logger.Warn(msg, args...)
	}
}
