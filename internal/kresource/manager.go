package kresource

import (
	"time"

	"go.uber.org/zap"

	"github.com/karnal-os/karnal64/internal/infrastructure/logging"
	"github.com/karnal-os/karnal64/internal/infrastructure/monitoring"
	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/kmemory"
	"github.com/karnal-os/karnal64/internal/shared/id"
)

// Manager is the capability registry plus dispatch layer.
type Manager struct {
	log     *logging.Logger
	metrics *monitoring.Metrics

	reg     registry
	handles *table
}

// NewManager creates the capability layer. Handle ids come from the shared
// counter so lock handles and resource handles never collide. metrics may be
// nil.
func NewManager(handleIDs *id.Counter, log *logging.Logger, metrics *monitoring.Metrics) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{
		log:     log.Subsystem("kresource"),
		metrics: metrics,
		handles: newTable(handleIDs),
	}
}

// RegisterProvider stores a provider binding under resourceID and returns an
// administrative handle owned by the registering task. A taken identifier
// fails AlreadyExists and leaves the original binding reachable.
func (m *Manager) RegisterProvider(owner id.TaskID, resourceID string, p Provider) (id.Handle, error) {
	if err := m.reg.register(resourceID, p); err != nil {
		return 0, err
	}

	h := m.handles.insert(owner, resourceID, p, p.Modes()|ModeControl)
	m.log.Info("provider registered",
		zap.String("resource", resourceID),
		zap.Uint64("admin_handle", uint64(h)),
	)
	m.updateGauges()
	return h, nil
}

// UnregisterProvider removes a binding. Live handles onto the resource keep
// working until released; only new acquires fail NotFound.
func (m *Manager) UnregisterProvider(resourceID string) error {
	if err := m.reg.unregister(resourceID); err != nil {
		return err
	}
	m.log.Info("provider unregistered", zap.String("resource", resourceID))
	m.updateGauges()
	return nil
}

// Lookup resolves a resource identifier to its registry entry.
func (m *Manager) Lookup(resourceID string) (*Entry, error) {
	return m.reg.lookup(resourceID)
}

// List returns all current registry entries.
func (m *Manager) List() []Entry {
	return m.reg.list()
}

// Acquire issues a fresh handle binding the owner task to the resource under
// the requested mode. Fails NotFound when nothing is registered under
// resourceID, PermissionDenied when mode exceeds what the provider allows.
func (m *Manager) Acquire(owner id.TaskID, resourceID string, mode Mode) (id.Handle, error) {
	if mode == 0 {
		return 0, kerror.Wrap(kerror.InvalidArgument, "acquire %q: empty mode", resourceID)
	}

	entry, err := m.reg.lookup(resourceID)
	if err != nil {
		return 0, err
	}
	if !entry.Provider.Modes().Has(mode) {
		return 0, kerror.Wrap(kerror.PermissionDenied, "acquire %q: mode %#x not allowed", resourceID, mode)
	}

	h := m.handles.insert(owner, resourceID, entry.Provider, mode)
	m.updateGauges()
	return h, nil
}

// Release removes a handle binding. All subsequent operations on the id fail
// BadHandle.
func (m *Manager) Release(owner id.TaskID, h id.Handle) error {
	if err := m.handles.remove(owner, h); err != nil {
		return err
	}
	m.updateGauges()
	return nil
}

// ReleaseOwned drops every handle owned by a task; used by task exit.
func (m *Manager) ReleaseOwned(owner id.TaskID) int {
	n := m.handles.releaseOwned(owner)
	if n > 0 {
		m.log.Debug("handles released on exit",
			zap.Uint64("task", uint64(owner)),
			zap.Int("count", n),
		)
	}
	m.updateGauges()
	return n
}

// HandleCount returns the number of live handles.
func (m *Manager) HandleCount() int {
	return m.handles.size()
}

// ReadAt reads from the resource behind h into a kernel buffer, advancing
// the handle offset. Used by in-kernel callers such as spawn.
func (m *Manager) ReadAt(owner id.TaskID, h id.Handle, buf []byte) (int, error) {
	b, err := m.handles.resolve(owner, h)
	if err != nil {
		return 0, err
	}
	if !b.mode.Has(ModeRead) {
		return 0, kerror.Wrap(kerror.PermissionDenied, "read on handle %d mode %#x", h, b.mode)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	start := time.Now()
	n, err := b.provider.Read(buf, b.offset)
	m.observe("read", start)
	if err != nil {
		return 0, err
	}
	m.handles.advance(h, uint64(n))
	return n, nil
}

// WriteAt writes a kernel buffer to the resource behind h, advancing the
// handle offset.
func (m *Manager) WriteAt(owner id.TaskID, h id.Handle, buf []byte) (int, error) {
	b, err := m.handles.resolve(owner, h)
	if err != nil {
		return 0, err
	}
	if !b.mode.Has(ModeWrite) {
		return 0, kerror.Wrap(kerror.PermissionDenied, "write on handle %d mode %#x", h, b.mode)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	start := time.Now()
	n, err := b.provider.Write(buf, b.offset)
	m.observe("write", start)
	if err != nil {
		return 0, err
	}
	m.handles.advance(h, uint64(n))
	return n, nil
}

// Control forwards a provider-specific request. The return value passes
// through verbatim.
func (m *Manager) Control(owner id.TaskID, h id.Handle, request, arg uint64) (int64, error) {
	b, err := m.handles.resolve(owner, h)
	if err != nil {
		return 0, err
	}
	if !b.mode.Has(ModeControl) {
		return 0, kerror.Wrap(kerror.PermissionDenied, "control on handle %d mode %#x", h, b.mode)
	}

	start := time.Now()
	v, err := b.provider.Control(request, arg)
	m.observe("control", start)
	return v, err
}

// ReadUser reads from the resource behind h into user memory at
// (addr, length) in the caller's address space. The destination must be
// mapped writable; any violation fails BadAddress before the provider runs.
// Short counts from the provider pass through verbatim.
//
// The resolved view is not pinned. A caller that releases the buffer's pages
// while its own dispatch is still in flight can have provider bytes land in
// frames already recycled to another task; keeping the buffer mapped until
// the call returns is the caller's obligation.
func (m *Manager) ReadUser(owner id.TaskID, space *kmemory.AddressSpace, h id.Handle, addr, length uint64) (int, error) {
	b, err := m.handles.resolve(owner, h)
	if err != nil {
		return 0, err
	}
	if !b.mode.Has(ModeRead) {
		return 0, kerror.Wrap(kerror.PermissionDenied, "read on handle %d mode %#x", h, b.mode)
	}
	if length == 0 {
		return 0, nil
	}
	if space == nil {
		return 0, kerror.Wrap(kerror.BadAddress, "read: caller has no address space")
	}

	view, err := space.Resolve(addr, length, kmemory.FlagWrite)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	var n int
	if seg, ok := view.Contiguous(); ok {
		n, err = b.provider.Read(seg, b.offset)
	} else {
		scratch := make([]byte, length)
		n, err = b.provider.Read(scratch, b.offset)
		if err == nil && n > 0 {
			view.CopyOut(scratch[:n])
		}
	}
	m.observe("read", start)
	if err != nil {
		return 0, err
	}
	m.handles.advance(h, uint64(n))
	return n, nil
}

// WriteUser writes user memory at (addr, length) to the resource behind h.
// The source must be mapped readable. The unpinned-view caveat on ReadUser
// applies here too.
func (m *Manager) WriteUser(owner id.TaskID, space *kmemory.AddressSpace, h id.Handle, addr, length uint64) (int, error) {
	b, err := m.handles.resolve(owner, h)
	if err != nil {
		return 0, err
	}
	if !b.mode.Has(ModeWrite) {
		return 0, kerror.Wrap(kerror.PermissionDenied, "write on handle %d mode %#x", h, b.mode)
	}
	if length == 0 {
		return 0, nil
	}
	if space == nil {
		return 0, kerror.Wrap(kerror.BadAddress, "write: caller has no address space")
	}

	view, err := space.Resolve(addr, length, kmemory.FlagRead)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	var n int
	if seg, ok := view.Contiguous(); ok {
		n, err = b.provider.Write(seg, b.offset)
	} else {
		scratch := make([]byte, length)
		view.CopyIn(scratch)
		n, err = b.provider.Write(scratch, b.offset)
	}
	m.observe("write", start)
	if err != nil {
		return 0, err
	}
	m.handles.advance(h, uint64(n))
	return n, nil
}

func (m *Manager) observe(op string, start time.Time) {
	if m.metrics != nil {
		m.metrics.ObserveDispatch(op, time.Since(start))
	}
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.HandlesActive.Set(float64(m.handles.size()))
	m.metrics.ProvidersRegistered.Set(float64(m.reg.count.Load()))
}
