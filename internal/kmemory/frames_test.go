package kmemory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karnal-os/karnal64/internal/kerror"
)

func newTestManager(frames int) *Manager {
	return NewManager(frames, nil, nil)
}

func TestAllocUntilExhausted(t *testing.T) {
	const n = 8
	m := newTestManager(n)

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		addr, err := m.PhysAllocFrame()
		require.NoError(t, err)
		assert.Zero(t, addr%PageSize)
		assert.False(t, seen[addr], "frame handed out twice")
		seen[addr] = true
	}

	_, err := m.PhysAllocFrame()
	assert.True(t, kerror.Is(err, kerror.OutOfMemory))
}

func TestFreeThenAllocReturnsFreedFrame(t *testing.T) {
	m := newTestManager(4)

	var addrs []uint64
	for i := 0; i < 4; i++ {
		a, err := m.PhysAllocFrame()
		require.NoError(t, err)
		addrs = append(addrs, a)
	}

	m.PhysFreeFrame(addrs[2])

	a, err := m.PhysAllocFrame()
	require.NoError(t, err)
	assert.Equal(t, addrs[2], a)
}

func TestDoubleFreeEscalates(t *testing.T) {
	m := newTestManager(2)

	var fatal string
	m.SetFatalHandler(func(msg string) { fatal = msg })

	addr, err := m.PhysAllocFrame()
	require.NoError(t, err)

	m.PhysFreeFrame(addr)
	assert.Empty(t, fatal)

	m.PhysFreeFrame(addr)
	assert.Contains(t, fatal, "double free")
}

func TestFreeOutsidePoolEscalates(t *testing.T) {
	m := newTestManager(2)

	var fatal string
	m.SetFatalHandler(func(msg string) { fatal = msg })

	m.PhysFreeFrame(0xdead0000)
	assert.Contains(t, fatal, "outside frame pool")
}

func TestFrameStats(t *testing.T) {
	m := newTestManager(4)

	free, total := m.FrameStats()
	assert.Equal(t, 4, free)
	assert.Equal(t, 4, total)

	a, _ := m.PhysAllocFrame()
	free, _ = m.FrameStats()
	assert.Equal(t, 3, free)

	m.PhysFreeFrame(a)
	free, _ = m.FrameStats()
	assert.Equal(t, 4, free)
}

func TestFramesZeroedOnAlloc(t *testing.T) {
	m := newTestManager(1)

	a, err := m.PhysAllocFrame()
	require.NoError(t, err)
	copy(m.frame(a), []byte("leftover"))
	m.PhysFreeFrame(a)

	b, err := m.PhysAllocFrame()
	require.NoError(t, err)
	for _, c := range m.frame(b)[:8] {
		assert.Zero(t, c)
	}
}

func TestDestroyActiveSpaceBusy(t *testing.T) {
	m := newTestManager(4)
	as := m.CreateAddressSpace()

	require.NoError(t, m.ActivateSpace(1, as.ID()))

	err := m.DestroyAddressSpace(as.ID())
	assert.True(t, kerror.Is(err, kerror.Busy))

	m.DeactivateThread(1)
	assert.NoError(t, m.DestroyAddressSpace(as.ID()))
}

func TestDestroyUnknownSpace(t *testing.T) {
	m := newTestManager(1)
	err := m.DestroyAddressSpace(99)
	assert.True(t, kerror.Is(err, kerror.NotFound))
}

func TestActivateUnknownSpace(t *testing.T) {
	m := newTestManager(1)
	err := m.ActivateSpace(1, 42)
	assert.True(t, kerror.Is(err, kerror.NotFound))
}

func TestDestroyReturnsFramesToPool(t *testing.T) {
	m := newTestManager(2)
	as := m.CreateAddressSpace()

	frame, err := m.PhysAllocFrame()
	require.NoError(t, err)
	require.NoError(t, as.MapPage(0x1000, frame, FlagRead))

	require.NoError(t, m.DestroyAddressSpace(as.ID()))

	free, _ := m.FrameStats()
	assert.Equal(t, 2, free)
}
