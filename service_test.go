package zeroconf

import (
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckServiceType(t *testing.T) {
	for _, ty := range []string{
		"_http._tcp.local.",
		"_airplay._tcp.local.",
		"_sleep-proxy._udp.local.",
	} {
		assert.NoError(t, CheckServiceType(ty), ty)
	}
	for _, ty := range []string{
		"_http._xxx.local.",
		"http._tcp.local.",
		"_._tcp.local.",
		"_tcp.local.",
		"",
	} {
		assert.ErrorIs(t, CheckServiceType(ty), ErrMalformedServiceType, ty)
	}
}

func TestServiceInfoNames(t *testing.T) {
	info := NewServiceInfo("_test._tcp.local.", "My Box", "box.local.", 8080)
	assert.Equal(t, "My Box._test._tcp.local.", info.Name)
	assert.Equal(t, "My Box", info.Instance())
	assert.NoError(t, info.Validate())

	bad := &ServiceInfo{Type: "_test._tcp.local.", Name: "box._other._tcp.local."}
	assert.ErrorIs(t, bad.Validate(), ErrMalformedServiceType)
}

func TestPropertiesRoundTrip(t *testing.T) {
	info := &ServiceInfo{Properties: map[string][]byte{
		"path":    []byte("/api"),
		"version": []byte("2"),
		"flag":    nil, // boolean property
	}}
	text := info.Text()

	decoded := &ServiceInfo{}
	decoded.SetText(text)
	require.Equal(t, info.Properties, decoded.Properties)
}

func TestPropertiesEmptyEncodesSingleZero(t *testing.T) {
	info := &ServiceInfo{}
	assert.Equal(t, []byte{0}, info.Text())

	decoded := &ServiceInfo{}
	decoded.SetText([]byte{0})
	assert.Empty(t, decoded.Properties)
}

func TestSetTextIgnoresDuplicatesAndJunk(t *testing.T) {
	// key=1, then a duplicate, then a key-only entry, then an empty key.
	text := []byte{3, 'a', '=', '1', 3, 'a', '=', '2', 1, 'b', 2, '=', 'x'}
	info := &ServiceInfo{}
	info.SetText(text)
	assert.Equal(t, []byte("1"), info.Properties["a"])
	val, ok := info.Properties["b"]
	assert.True(t, ok)
	assert.Nil(t, val)
	assert.Len(t, info.Properties, 2)
}

func TestServiceTTLDefaults(t *testing.T) {
	info := NewServiceInfo("_test._tcp.local.", "box", "box.local.", 8080)
	assert.Equal(t, uint32(defaultOtherTTL), info.pointerRecord().TTL)
	assert.Equal(t, uint32(defaultHostTTL), info.serviceRecord().TTL)
	assert.Equal(t, uint32(defaultOtherTTL), info.textRecord().TTL)

	info.HostTTL, info.OtherTTL = 60, 9000
	assert.Equal(t, uint32(9000), info.pointerRecord().TTL)
	assert.Equal(t, uint32(60), info.serviceRecord().TTL)
}

func TestLoadFromCache(t *testing.T) {
	c := NewCache(clock.NewMock())
	info := &ServiceInfo{Type: "_test._tcp.local.", Name: "box._test._tcp.local."}
	assert.False(t, info.LoadFromCache(c))

	c.Add(NewServiceRecord("box._test._tcp.local.", 1, 2, 8080, "box.local.", defaultHostTTL, true))
	c.Add(NewTextRecord("box._test._tcp.local.", []byte{3, 'a', '=', '1'}, defaultOtherTTL, true))
	assert.False(t, info.LoadFromCache(c), "no address record yet")

	addr := netip.MustParseAddr("10.0.0.7")
	c.Add(NewAddressRecord("box.local.", addr, defaultHostTTL, true))
	require.True(t, info.LoadFromCache(c))
	assert.Equal(t, "box.local.", info.Server)
	assert.Equal(t, uint16(8080), info.Port)
	assert.Equal(t, uint16(1), info.Priority)
	assert.Equal(t, uint16(2), info.Weight)
	assert.Equal(t, []netip.Addr{addr}, info.Addresses)
	assert.Equal(t, []byte("1"), info.Properties["a"])
}

// Request queries for the instance and resolves once the records arrive.
func TestServiceRequest(t *testing.T) {
	e, ft := openTestEngine(t)

	go func() {
		for len(ft.sentMulticast()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		ft.inject(t, broadcastPacket(t, testInfo(), -1), testSrc)
	}()

	info := &ServiceInfo{Type: "_test._tcp.local.", Name: "box._test._tcp.local."}
	require.NoError(t, info.Request(e, 2*time.Second))
	assert.Equal(t, "box.local.", info.Server)
	assert.Equal(t, uint16(8080), info.Port)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.7")}, info.Addresses)
}

func TestServiceRequestTimeout(t *testing.T) {
	e, _ := openTestEngine(t)
	info := &ServiceInfo{Type: "_test._tcp.local.", Name: "ghost._test._tcp.local."}
	assert.Error(t, info.Request(e, 300*time.Millisecond))
}
