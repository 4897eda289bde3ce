package zeroconf

import (
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingListener collects callbacks for inspection.
type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *recordingListener) record(op Op, ty, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{Name: name, Type: ty, Op: op})
}

func (l *recordingListener) ServiceAdded(e *Engine, ty, name string) { l.record(OpAdded, ty, name) }
func (l *recordingListener) ServiceRemoved(e *Engine, ty, name string) {
	l.record(OpRemoved, ty, name)
}
func (l *recordingListener) ServiceUpdated(e *Engine, ty, name string) {
	l.record(OpUpdated, ty, name)
}

func (l *recordingListener) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *recordingListener) first() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[0], true
}

func TestBrowseInvalidType(t *testing.T) {
	e, _ := openTestEngine(t)
	_, err := e.Browse("not-a-type", nil)
	assert.ErrorIs(t, err, ErrMalformedServiceType)
}

func TestBrowseSendsQueries(t *testing.T) {
	e, ft := openTestEngine(t)
	b, err := e.Browse("_test._tcp.local.", nil)
	require.NoError(t, err)
	defer b.Cancel()

	require.Eventually(t, func() bool { return len(ft.sentMulticast()) > 0 },
		2*time.Second, 5*time.Millisecond)
	in, err := NewIncoming(ft.sentMulticast()[0])
	require.NoError(t, err)
	require.True(t, in.IsQuery())
	require.Len(t, in.Questions, 1)
	assert.Equal(t, "_test._tcp.local.", in.Questions[0].Name)
	assert.Equal(t, dns.TypePTR, in.Questions[0].Type)
}

// Live cached pointers ride along as known answers to suppress re-replies.
func TestBrowseQueryCarriesKnownAnswers(t *testing.T) {
	e, ft := openTestEngine(t)
	e.Cache().Add(NewPointerRecord("_test._tcp.local.", "box._test._tcp.local.", defaultOtherTTL))

	b, err := e.Browse("_test._tcp.local.", nil)
	require.NoError(t, err)
	defer b.Cancel()

	require.Eventually(t, func() bool { return len(ft.sentMulticast()) > 0 },
		2*time.Second, 5*time.Millisecond)
	in, err := NewIncoming(ft.sentMulticast()[0])
	require.NoError(t, err)
	require.Len(t, in.Answers, 1)
	assert.Equal(t, "box._test._tcp.local.", in.Answers[0].(*PointerRecord).Alias)
}

func TestBrowseAddAndRemove(t *testing.T) {
	e, ft := openTestEngine(t)
	l := &recordingListener{}
	b, err := e.Browse("_test._tcp.local.", l)
	require.NoError(t, err)
	defer b.Cancel()

	ft.inject(t, broadcastPacket(t, testInfo(), -1), testSrc)
	require.Eventually(t, func() bool {
		ev, ok := l.first()
		return ok && ev.Op == OpAdded && ev.Name == "box._test._tcp.local."
	}, 2*time.Second, 5*time.Millisecond)

	ft.inject(t, broadcastPacket(t, testInfo(), 0), testSrc)
	require.Eventually(t, func() bool {
		for _, ev := range l.snapshot() {
			if ev.Op == OpRemoved && ev.Name == "box._test._tcp.local." {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

// Instances already in the cache are reported on Browse.
func TestBrowseReportsCachedInstances(t *testing.T) {
	e, _ := openTestEngine(t)
	e.Cache().Add(NewPointerRecord("_test._tcp.local.", "box._test._tcp.local.", defaultOtherTTL))

	l := &recordingListener{}
	b, err := e.Browse("_test._tcp.local.", l)
	require.NoError(t, err)
	defer b.Cancel()

	require.Eventually(t, func() bool {
		ev, ok := l.first()
		return ok && ev.Op == OpAdded
	}, 2*time.Second, 5*time.Millisecond)
}

// Changed SRV data for a known instance surfaces as an update. A repeat of
// identical records is a TTL refresh and stays silent.
func TestBrowseUpdates(t *testing.T) {
	e, ft := openTestEngine(t)
	l := &recordingListener{}
	b, err := e.Browse("_test._tcp.local.", l)
	require.NoError(t, err)
	defer b.Cancel()

	ft.inject(t, broadcastPacket(t, testInfo(), -1), testSrc)
	require.Eventually(t, func() bool { return len(l.snapshot()) > 0 },
		2*time.Second, 5*time.Millisecond)
	before := len(l.snapshot())

	// Identical broadcast: refresh only.
	ft.inject(t, broadcastPacket(t, testInfo(), -1), testSrc)

	// New port: update.
	moved := testInfo()
	moved.Port = 9999
	ft.inject(t, broadcastPacket(t, moved, -1), testSrc)

	require.Eventually(t, func() bool {
		events := l.snapshot()
		for _, ev := range events[before:] {
			if ev.Op == OpUpdated && ev.Name == "box._test._tcp.local." {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

// A new instance's first broadcast yields a single add: the SRV and TXT
// arriving in the same message must not surface as updates.
func TestBrowseFirstBroadcastSingleEvent(t *testing.T) {
	e, ft := openTestEngine(t)
	l := &recordingListener{}
	b, err := e.Browse("_test._tcp.local.", l)
	require.NoError(t, err)
	defer b.Cancel()

	ft.inject(t, broadcastPacket(t, testInfo(), -1), testSrc)
	require.Eventually(t, func() bool {
		ev, ok := l.first()
		return ok && ev.Op == OpAdded
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, l.snapshot(), 1)
}

func TestBrowseMetaQuery(t *testing.T) {
	e, ft := openTestEngine(t)
	l := &recordingListener{}
	b, err := e.Browse(serviceTypeEnumerationName, l)
	require.NoError(t, err)
	defer b.Cancel()

	out := NewOutgoing(flagResponse | flagAA)
	out.AddAnswer(nil, NewPointerRecord(serviceTypeEnumerationName, "_test._tcp.local.", defaultOtherTTL))
	pkts, err := out.Packets()
	require.NoError(t, err)
	ft.inject(t, pkts[0], testSrc)

	require.Eventually(t, func() bool {
		ev, ok := l.first()
		return ok && ev.Op == OpAdded && ev.Name == "_test._tcp.local."
	}, 2*time.Second, 5*time.Millisecond)
}

// After Cancel returns, no further callbacks arrive.
func TestBrowseCancel(t *testing.T) {
	e, ft := openTestEngine(t)
	l := &recordingListener{}
	b, err := e.Browse("_test._tcp.local.", l)
	require.NoError(t, err)

	b.Cancel()
	b.Cancel() // idempotent

	ft.inject(t, broadcastPacket(t, testInfo(), -1), testSrc)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, l.snapshot())
}

func TestUnimplementedListenerPanics(t *testing.T) {
	var l UnimplementedServiceListener
	assert.Panics(t, func() { l.ServiceAdded(nil, "", "") })
	assert.Panics(t, func() { l.ServiceRemoved(nil, "", "") })
	assert.Panics(t, func() { l.ServiceUpdated(nil, "", "") })
}
