package zeroconf

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	info := NewServiceInfo("_test._tcp.local.", "box", "box.local.", 8080)
	require.NoError(t, r.Add(info))
	assert.Same(t, info, r.Get("Box._test._tcp.local."))

	// A name maps to exactly one registration.
	dup := NewServiceInfo("_test._tcp.local.", "box", "other.local.", 9090)
	assert.ErrorIs(t, r.Add(dup), ErrNameAlreadyRegistered)

	r.Remove(info.Name)
	assert.Nil(t, r.Get(info.Name))
	assert.Empty(t, r.Types())

	// Removing twice is fine.
	r.Remove(info.Name)
}

func TestRegistryIndices(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 3; i++ {
		info := NewServiceInfo("_test._tcp.local.", fmt.Sprintf("box-%d", i), "box.local.", uint16(8080+i))
		require.NoError(t, r.Add(info))
	}
	require.NoError(t, r.Add(NewServiceInfo("_other._udp.local.", "solo", "solo.local.", 7)))

	assert.Equal(t, []string{"_other._udp.local.", "_test._tcp.local."}, r.Types())
	assert.Len(t, r.ServicesByType("_TEST._tcp.local."), 3)
	assert.Len(t, r.ServicesByServer("box.local."), 3)
	assert.Len(t, r.ServicesByServer("solo.local."), 1)
	assert.Len(t, r.All(), 4)
}

func TestRegistryUpdate(t *testing.T) {
	r := NewRegistry()
	info := NewServiceInfo("_test._tcp.local.", "box", "box.local.", 8080)
	require.NoError(t, r.Add(info))

	moved := NewServiceInfo("_test._tcp.local.", "box", "elsewhere.local.", 8081)
	r.Update(moved)
	assert.Same(t, moved, r.Get(info.Name))
	assert.Empty(t, r.ServicesByServer("box.local."))
	assert.Len(t, r.ServicesByServer("elsewhere.local."), 1)
}
