package kmemory

import (
	"sync"

	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/shared/id"
)

// Flags describe page permissions.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagWrite
)

// userHeapBase is where AllocUser hands out virtual ranges.
const userHeapBase = 0x4000_0000

type pageEntry struct {
	frame uint64
	flags Flags
}

// AddressSpace is a virtual-to-physical translation context. One per task;
// threads of the task share it.
type AddressSpace struct {
	id  id.SpaceID
	mgr *Manager

	mu       sync.RWMutex
	pages    map[uint64]pageEntry
	heapNext uint64
}

// ID returns the space identifier.
func (as *AddressSpace) ID() id.SpaceID { return as.id }

// MapPage installs a single page-granular mapping. The physical frame must
// be currently allocated. Mapping an already-mapped page fails AlreadyExists;
// remap-on-map is not supported, callers unmap first.
func (as *AddressSpace) MapPage(vaddr, paddr uint64, flags Flags) error {
	if vaddr%PageSize != 0 || paddr%PageSize != 0 {
		return kerror.Wrap(kerror.InvalidArgument, "virt_map_page: unaligned vaddr %#x or paddr %#x", vaddr, paddr)
	}
	if flags == 0 {
		return kerror.Wrap(kerror.InvalidArgument, "virt_map_page: empty flags")
	}
	if !as.mgr.isAllocated(paddr) {
		return kerror.Wrap(kerror.InvalidArgument, "virt_map_page: frame %#x not allocated", paddr)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if _, ok := as.pages[vaddr]; ok {
		return kerror.Wrap(kerror.AlreadyExists, "virt_map_page: vaddr %#x already mapped", vaddr)
	}
	as.pages[vaddr] = pageEntry{frame: paddr, flags: flags}
	return nil
}

// UnmapPage removes a single mapping. The backing frame stays allocated;
// ownership remains with whoever mapped it.
func (as *AddressSpace) UnmapPage(vaddr uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if _, ok := as.pages[vaddr]; !ok {
		return kerror.Wrap(kerror.NotFound, "virt_unmap_page: vaddr %#x not mapped", vaddr)
	}
	delete(as.pages, vaddr)
	return nil
}

// Mapped reports whether vaddr (page-aligned) is mapped and its frame.
func (as *AddressSpace) Mapped(vaddr uint64) (uint64, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	pte, ok := as.pages[vaddr]
	return pte.frame, ok
}

// Resolve checks a user (addr, length) pair against this space and returns a
// view over the backing memory. Every byte must fall inside a mapped page
// carrying all permissions in need; otherwise the whole request fails
// BadAddress. Zero-length requests resolve to an empty view without touching
// the space.
func (as *AddressSpace) Resolve(addr, length uint64, need Flags) (*View, error) {
	if length == 0 {
		return &View{}, nil
	}

	as.mu.RLock()
	defer as.mu.RUnlock()

	v := &View{length: int(length)}
	end := addr + length
	if end < addr {
		return nil, kerror.Wrap(kerror.BadAddress, "resolve: range %#x+%d wraps", addr, length)
	}

	for cur := addr; cur < end; {
		page := cur &^ uint64(PageSize-1)
		pte, ok := as.pages[page]
		if !ok {
			return nil, kerror.Wrap(kerror.BadAddress, "resolve: %#x not mapped in space %d", cur, as.id)
		}
		if pte.flags&need != need {
			return nil, kerror.Wrap(kerror.BadAddress, "resolve: %#x lacks permission %#x in space %d", cur, need, as.id)
		}

		frame := as.mgr.frame(pte.frame)
		segStart := cur - page
		segEnd := uint64(PageSize)
		if page+PageSize > end {
			segEnd = end - page
		}
		v.segs = append(v.segs, frame[segStart:segEnd])
		cur = page + PageSize
	}
	return v, nil
}

// View is a bounds- and permission-checked window into user memory. It may
// span several non-contiguous frames.
type View struct {
	segs   [][]byte
	length int
}

// Len returns the byte length of the view.
func (v *View) Len() int { return v.length }

// CopyIn copies from user memory into dst and returns the bytes copied.
func (v *View) CopyIn(dst []byte) int {
	n := 0
	for _, seg := range v.segs {
		if n >= len(dst) {
			break
		}
		n += copy(dst[n:], seg)
	}
	return n
}

// CopyOut copies src into user memory and returns the bytes copied.
func (v *View) CopyOut(src []byte) int {
	n := 0
	for _, seg := range v.segs {
		if n >= len(src) {
			break
		}
		n += copy(seg, src[n:])
	}
	return n
}

// Contiguous returns the single backing segment when the view does not cross
// a page boundary, letting dispatch skip the bounce copy.
func (v *View) Contiguous() ([]byte, bool) {
	if len(v.segs) == 1 {
		return v.segs[0], true
	}
	return nil, false
}

// AllocUser allocates size bytes of user memory in the space: enough frames
// for the range, mapped read/write at a fresh virtual base. On OutOfMemory
// nothing is leaked.
func (m *Manager) AllocUser(as *AddressSpace, size uint64) (uint64, error) {
	if size == 0 {
		return 0, kerror.Wrap(kerror.InvalidArgument, "memory_allocate: zero size")
	}

	pages := (size + PageSize - 1) / PageSize

	as.mu.Lock()
	base := as.heapNext
	as.heapNext += pages * PageSize
	as.mu.Unlock()

	var mapped []uint64
	var frames []uint64
	for i := uint64(0); i < pages; i++ {
		frame, err := m.PhysAllocFrame()
		if err != nil {
			for _, v := range mapped {
				_ = as.UnmapPage(v)
			}
			for _, f := range frames {
				m.PhysFreeFrame(f)
			}
			return 0, err
		}
		frames = append(frames, frame)

		vaddr := base + i*PageSize
		if err := as.MapPage(vaddr, frame, FlagRead|FlagWrite); err != nil {
			for _, v := range mapped {
				_ = as.UnmapPage(v)
			}
			for _, f := range frames {
				m.PhysFreeFrame(f)
			}
			return 0, err
		}
		mapped = append(mapped, vaddr)
	}
	return base, nil
}

// ReleaseUser releases a range previously returned by AllocUser. The whole
// range is validated before any page is touched; a partially unmapped range
// fails BadAddress with no side effects.
func (m *Manager) ReleaseUser(as *AddressSpace, addr, size uint64) error {
	if size == 0 || addr%PageSize != 0 {
		return kerror.Wrap(kerror.InvalidArgument, "memory_release: addr %#x size %d", addr, size)
	}

	pages := (size + PageSize - 1) / PageSize

	var frames []uint64
	for i := uint64(0); i < pages; i++ {
		frame, ok := as.Mapped(addr + i*PageSize)
		if !ok {
			return kerror.Wrap(kerror.BadAddress, "memory_release: %#x not mapped", addr+i*PageSize)
		}
		frames = append(frames, frame)
	}

	for i := uint64(0); i < pages; i++ {
		_ = as.UnmapPage(addr + i*PageSize)
		m.PhysFreeFrame(frames[i])
	}
	return nil
}
