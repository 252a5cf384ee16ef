package kmemory

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/karnal-os/karnal64/internal/infrastructure/logging"
	"github.com/karnal-os/karnal64/internal/infrastructure/monitoring"
	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/shared/id"
)

// PageSize is the granularity of both physical frames and virtual mappings.
const PageSize = 4096

// FrameBase is the physical address of the first frame in the pool.
const FrameBase = 0x0010_0000

// Manager owns the physical frame pool and all address spaces.
type Manager struct {
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu          sync.Mutex
	arena       []byte
	free        []uint64
	allocated   map[uint64]struct{}
	spaces      map[id.SpaceID]*AddressSpace
	active      map[id.ThreadID]id.SpaceID
	activeCount map[id.SpaceID]int
	nextSpace   id.Counter

	fatal func(msg string)
}

// NewManager creates a memory manager with totalFrames physical frames.
// metrics may be nil.
func NewManager(totalFrames int, log *logging.Logger, metrics *monitoring.Metrics) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	m := &Manager{
		log:         log.Subsystem("kmemory"),
		metrics:     metrics,
		arena:       make([]byte, totalFrames*PageSize),
		free:        make([]uint64, 0, totalFrames),
		allocated:   make(map[uint64]struct{}),
		spaces:      make(map[id.SpaceID]*AddressSpace),
		active:      make(map[id.ThreadID]id.SpaceID),
		activeCount: make(map[id.SpaceID]int),
	}
	m.fatal = func(msg string) {
		m.log.Fatal(msg)
	}

	// Push in reverse so the lowest address is handed out first.
	for i := totalFrames - 1; i >= 0; i-- {
		m.free = append(m.free, FrameBase+uint64(i)*PageSize)
	}

	if metrics != nil {
		metrics.FramesTotal.Set(float64(totalFrames))
		metrics.FramesInUse.Set(0)
	}
	return m
}

// SetFatalHandler overrides the consistency-violation escalation path.
// Tests use this; the default halts through the logger.
func (m *Manager) SetFatalHandler(fn func(msg string)) {
	m.fatal = fn
}

// PhysAllocFrame allocates one frame and returns its physical address.
// Fails OutOfMemory when the pool is exhausted.
func (m *Manager) PhysAllocFrame() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.free) == 0 {
		return 0, kerror.Wrap(kerror.OutOfMemory, "frame pool exhausted (%d frames)", len(m.allocated))
	}

	addr := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.allocated[addr] = struct{}{}

	// Frames are zeroed on allocation so no task observes another's data.
	off := m.frameOffset(addr)
	clear(m.arena[off : off+PageSize])

	if m.metrics != nil {
		m.metrics.FramesInUse.Set(float64(len(m.allocated)))
	}
	return addr, nil
}

// PhysFreeFrame returns a frame to the pool. Freeing an address that is not
// a currently allocated frame is a consistency violation and escalates as a
// fatal condition rather than corrupting allocator state.
func (m *Manager) PhysFreeFrame(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeFrameLocked(addr)
}

func (m *Manager) freeFrameLocked(addr uint64) {
	if addr%PageSize != 0 || !m.inPool(addr) {
		m.fatal(fmt.Sprintf("phys_free_frame: address %#x outside frame pool", addr))
		return
	}
	if _, ok := m.allocated[addr]; !ok {
		m.fatal(fmt.Sprintf("phys_free_frame: double free of frame %#x", addr))
		return
	}

	delete(m.allocated, addr)
	m.free = append(m.free, addr)

	if m.metrics != nil {
		m.metrics.FramesInUse.Set(float64(len(m.allocated)))
	}
}

// FrameStats returns (free, total) frame counts.
func (m *Manager) FrameStats() (free int, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total = len(m.arena) / PageSize
	return total - len(m.allocated), total
}

func (m *Manager) inPool(addr uint64) bool {
	return addr >= FrameBase && addr < FrameBase+uint64(len(m.arena))
}

func (m *Manager) frameOffset(addr uint64) int {
	return int(addr - FrameBase)
}

func (m *Manager) isAllocated(addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.allocated[addr]
	return ok
}

// frame exposes the backing bytes of one allocated frame.
func (m *Manager) frame(addr uint64) []byte {
	off := m.frameOffset(addr)
	return m.arena[off : off+PageSize]
}

// CreateAddressSpace returns a fresh space with no mappings.
func (m *Manager) CreateAddressSpace() *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()

	as := &AddressSpace{
		id:       id.SpaceID(m.nextSpace.Next()),
		mgr:      m,
		pages:    make(map[uint64]pageEntry),
		heapNext: userHeapBase,
	}
	m.spaces[as.id] = as
	m.log.Debug("address space created", zap.Uint64("space", uint64(as.id)))
	return as
}

// DestroyAddressSpace tears down a space and frees its backing frames.
// Fails Busy while any thread has the space active, NotFound for an unknown
// id.
func (m *Manager) DestroyAddressSpace(sid id.SpaceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	as, ok := m.spaces[sid]
	if !ok {
		return kerror.Wrap(kerror.NotFound, "destroy_address_space: space %d", sid)
	}
	if m.activeCount[sid] > 0 {
		return kerror.Wrap(kerror.Busy, "destroy_address_space: space %d active on %d threads", sid, m.activeCount[sid])
	}

	as.mu.Lock()
	for vaddr, pte := range as.pages {
		delete(as.pages, vaddr)
		m.freeFrameLocked(pte.frame)
	}
	as.mu.Unlock()

	delete(m.spaces, sid)
	delete(m.activeCount, sid)
	m.log.Debug("address space destroyed", zap.Uint64("space", uint64(sid)))
	return nil
}

// ActivateSpace installs the space as the one dereferenced for the given
// thread. Cannot fail once given a valid id.
func (m *Manager) ActivateSpace(tid id.ThreadID, sid id.SpaceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.spaces[sid]; !ok {
		return kerror.Wrap(kerror.NotFound, "activate_address_space: space %d", sid)
	}
	if prev, ok := m.active[tid]; ok {
		m.activeCount[prev]--
	}
	m.active[tid] = sid
	m.activeCount[sid]++
	return nil
}

// DeactivateThread drops the thread's active space, if any. Called on
// thread exit so the space becomes destroyable.
func (m *Manager) DeactivateThread(tid id.ThreadID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sid, ok := m.active[tid]; ok {
		m.activeCount[sid]--
		delete(m.active, tid)
	}
}

// Space looks up an address space by id.
func (m *Manager) Space(sid id.SpaceID) (*AddressSpace, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.spaces[sid]
	return as, ok
}
