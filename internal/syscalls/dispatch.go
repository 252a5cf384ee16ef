// Package syscalls is the raw integer boundary between less-trusted callers
// and the kernel managers.
//
// Every entry point takes plain uint64 arguments, resolves pointer+length
// pairs against the caller's address space before any use, and returns one
// signed integer: non-negative success, negative error kind. No panic crosses
// this boundary; every failure is an explicit value.
package syscalls

import (
	"time"

	"go.uber.org/zap"

	"github.com/karnal-os/karnal64/internal/infrastructure/logging"
	"github.com/karnal-os/karnal64/internal/infrastructure/monitoring"
	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/kmemory"
	"github.com/karnal-os/karnal64/internal/kmessaging"
	"github.com/karnal-os/karnal64/internal/kresource"
	"github.com/karnal-os/karnal64/internal/ksync"
	"github.com/karnal-os/karnal64/internal/ktask"
	"github.com/karnal-os/karnal64/internal/shared/id"
)

// Syscall numbers. The first eight are fixed ABI; the rest continue the
// sequence.
const (
	SysMemoryAllocate  = 1
	SysMemoryRelease   = 2
	SysTaskSpawn       = 3
	SysTaskExit        = 4
	SysResourceAcquire = 5
	SysResourceRead    = 6
	SysResourceWrite   = 7
	SysResourceRelease = 8
	SysResourceControl = 9
	SysTaskCurrentID   = 10
	SysTaskSleep       = 11
	SysTaskYield       = 12
	SysThreadCreate    = 13
	SysThreadExit      = 14
	SysLockCreate      = 15
	SysLockAcquire     = 16
	SysLockRelease     = 17
	SysMessageSend     = 18
	SysMessageReceive  = 19
	SysKernelInfo      = 20
	SysKernelTime      = 21
)

// Kernel info request codes for SysKernelInfo.
const (
	InfoVersion      = 1
	InfoTaskCount    = 2
	InfoThreadCount  = 3
	InfoFramesFree   = 4
	InfoFramesTotal  = 5
	InfoUptimeMillis = 6
)

// resourceIDMax bounds the length of a resource identifier crossing the
// boundary.
const resourceIDMax = 4096

// InfoSource answers kernel introspection requests.
type InfoSource interface {
	InfoValue(request uint32) (uint64, error)
	// NowNanos is the kernel time source: nanoseconds since boot.
	NowNanos() int64
}

// Deps are the managers the dispatcher fans out to.
type Deps struct {
	Tasks     *ktask.Manager
	Memory    *kmemory.Manager
	Resources *kresource.Manager
	Locks     *ksync.Manager
	Mail      *kmessaging.Manager
	Info      InfoSource
}

// Dispatcher routes raw syscalls to the kernel managers.
type Dispatcher struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	deps    Deps
}

// NewDispatcher creates the syscall dispatcher. log and metrics may be nil.
func NewDispatcher(deps Deps, log *logging.Logger, metrics *monitoring.Metrics) *Dispatcher {
	if log == nil {
		log = logging.NewNop()
	}
	return &Dispatcher{
		log:     log.Subsystem("syscalls"),
		metrics: metrics,
		deps:    deps,
	}
}

// Call handles one syscall on behalf of ctx. Unknown numbers fail
// NotSupported.
func (d *Dispatcher) Call(ctx *ktask.Context, number, a1, a2, a3, a4, a5 uint64) int64 {
	kind := kindName(number)
	val, err := d.invoke(ctx, number, a1, a2, a3, a4, a5)

	if d.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		d.metrics.ObserveSyscall(kind, result)
	}
	if err != nil {
		d.log.Debug("syscall failed",
			zap.String("kind", kind),
			zap.Uint64("task", uint64(ctx.Task)),
			zap.Error(err),
		)
		return kerror.Errno(err)
	}
	return int64(val)
}

func (d *Dispatcher) invoke(ctx *ktask.Context, number, a1, a2, a3, a4, a5 uint64) (uint64, error) {
	switch number {
	case SysMemoryAllocate:
		return d.memoryAllocate(ctx, a1)
	case SysMemoryRelease:
		return 0, d.memoryRelease(ctx, a1, a2)
	case SysTaskSpawn:
		return d.taskSpawn(ctx, a1, a2, a3)
	case SysTaskExit:
		d.deps.Tasks.Exit(ctx.Task, int64(a1))
		return 0, nil
	case SysResourceAcquire:
		return d.resourceAcquire(ctx, a1, a2, a3)
	case SysResourceRead:
		return d.resourceRead(ctx, a1, a2, a3)
	case SysResourceWrite:
		return d.resourceWrite(ctx, a1, a2, a3)
	case SysResourceRelease:
		return 0, d.deps.Resources.Release(ctx.Task, id.Handle(a1))
	case SysResourceControl:
		v, err := d.deps.Resources.Control(ctx.Task, id.Handle(a1), a2, a3)
		return uint64(v), err
	case SysTaskCurrentID:
		return uint64(ctx.Task), nil
	case SysTaskSleep:
		return 0, d.deps.Tasks.Sleep(ctx, time.Duration(a1)*time.Millisecond)
	case SysTaskYield:
		d.deps.Tasks.Yield(ctx)
		return 0, nil
	case SysThreadCreate:
		tid, err := d.deps.Tasks.ThreadCreate(ctx, a1, a2, a3)
		return uint64(tid), err
	case SysThreadExit:
		d.deps.Tasks.ThreadExit(ctx)
		return 0, nil
	case SysLockCreate:
		return uint64(d.deps.Locks.Create()), nil
	case SysLockAcquire:
		return 0, d.deps.Locks.Acquire(ctx.Task, ctx.Thread, id.Handle(a1))
	case SysLockRelease:
		return 0, d.deps.Locks.Release(ctx.Task, ctx.Thread, id.Handle(a1))
	case SysMessageSend:
		return 0, d.messageSend(ctx, a1, a2, a3)
	case SysMessageReceive:
		return d.messageReceive(ctx, a1, a2)
	case SysKernelInfo:
		return d.deps.Info.InfoValue(uint32(a1))
	case SysKernelTime:
		return uint64(d.deps.Info.NowNanos()), nil
	}
	return 0, kerror.Wrap(kerror.NotSupported, "syscall %d", number)
}

// space resolves the caller's active address space. Buffer-carrying syscalls
// from a context without one fail BadAddress.
func (d *Dispatcher) space(ctx *ktask.Context) (*kmemory.AddressSpace, error) {
	as, err := d.deps.Tasks.Space(ctx.Task)
	if err != nil {
		return nil, kerror.Wrap(kerror.BadAddress, "task %d has no address space", ctx.Task)
	}
	return as, nil
}

// copyInUser reads length bytes at addr from the caller's space.
func (d *Dispatcher) copyInUser(ctx *ktask.Context, addr, length uint64) ([]byte, error) {
	as, err := d.space(ctx)
	if err != nil {
		return nil, err
	}
	view, err := as.Resolve(addr, length, kmemory.FlagRead)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	view.CopyIn(buf)
	return buf, nil
}

func (d *Dispatcher) memoryAllocate(ctx *ktask.Context, size uint64) (uint64, error) {
	as, err := d.space(ctx)
	if err != nil {
		return 0, err
	}
	return d.deps.Memory.AllocUser(as, size)
}

func (d *Dispatcher) memoryRelease(ctx *ktask.Context, addr, size uint64) error {
	as, err := d.space(ctx)
	if err != nil {
		return err
	}
	return d.deps.Memory.ReleaseUser(as, addr, size)
}

// taskSpawn reads the NUL-separated argument block from the caller and
// spawns a task from the code handle.
func (d *Dispatcher) taskSpawn(ctx *ktask.Context, codeHandle, argsAddr, argsLen uint64) (uint64, error) {
	var args []string
	if argsLen > 0 {
		raw, err := d.copyInUser(ctx, argsAddr, argsLen)
		if err != nil {
			return 0, err
		}
		args = splitArgs(raw)
	}
	tid, err := d.deps.Tasks.Spawn(ctx.Task, id.Handle(codeHandle), args)
	return uint64(tid), err
}

func (d *Dispatcher) resourceAcquire(ctx *ktask.Context, idAddr, idLen, mode uint64) (uint64, error) {
	if idLen == 0 || idLen > resourceIDMax {
		return 0, kerror.Wrap(kerror.InvalidArgument, "resource_acquire: id length %d", idLen)
	}
	raw, err := d.copyInUser(ctx, idAddr, idLen)
	if err != nil {
		return 0, err
	}
	h, err := d.deps.Resources.Acquire(ctx.Task, string(raw), kresource.Mode(mode))
	return uint64(h), err
}

func (d *Dispatcher) resourceRead(ctx *ktask.Context, handle, bufAddr, bufLen uint64) (uint64, error) {
	as, err := d.space(ctx)
	if err != nil {
		return 0, err
	}
	n, err := d.deps.Resources.ReadUser(ctx.Task, as, id.Handle(handle), bufAddr, bufLen)
	return uint64(n), err
}

func (d *Dispatcher) resourceWrite(ctx *ktask.Context, handle, bufAddr, bufLen uint64) (uint64, error) {
	as, err := d.space(ctx)
	if err != nil {
		return 0, err
	}
	n, err := d.deps.Resources.WriteUser(ctx.Task, as, id.Handle(handle), bufAddr, bufLen)
	return uint64(n), err
}

func (d *Dispatcher) messageSend(ctx *ktask.Context, target, payloadAddr, payloadLen uint64) error {
	payload, err := d.copyInUser(ctx, payloadAddr, payloadLen)
	if err != nil {
		return err
	}
	return d.deps.Mail.Send(ctx.Task, id.TaskID(target), payload)
}

func (d *Dispatcher) messageReceive(ctx *ktask.Context, bufAddr, bufLen uint64) (uint64, error) {
	as, err := d.space(ctx)
	if err != nil {
		return 0, err
	}
	view, err := as.Resolve(bufAddr, bufLen, kmemory.FlagWrite)
	if err != nil {
		return 0, err
	}

	scratch := make([]byte, bufLen)
	n, err := d.deps.Mail.Receive(ctx.Task, scratch)
	if err != nil {
		return 0, err
	}
	view.CopyOut(scratch[:n])
	return uint64(n), nil
}

// splitArgs turns a NUL-separated argument block into strings. Trailing NULs
// produce no empty arguments.
func splitArgs(raw []byte) []string {
	var args []string
	start := 0
	for i, b := range raw {
		if b == 0 {
			if i > start {
				args = append(args, string(raw[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		args = append(args, string(raw[start:]))
	}
	return args
}

func kindName(number uint64) string {
	switch number {
	case SysMemoryAllocate:
		return "memory_allocate"
	case SysMemoryRelease:
		return "memory_release"
	case SysTaskSpawn:
		return "task_spawn"
	case SysTaskExit:
		return "task_exit"
	case SysResourceAcquire:
		return "resource_acquire"
	case SysResourceRead:
		return "resource_read"
	case SysResourceWrite:
		return "resource_write"
	case SysResourceRelease:
		return "resource_release"
	case SysResourceControl:
		return "resource_control"
	case SysTaskCurrentID:
		return "task_current_id"
	case SysTaskSleep:
		return "task_sleep"
	case SysTaskYield:
		return "task_yield"
	case SysThreadCreate:
		return "thread_create"
	case SysThreadExit:
		return "thread_exit"
	case SysLockCreate:
		return "lock_create"
	case SysLockAcquire:
		return "lock_acquire"
	case SysLockRelease:
		return "lock_release"
	case SysMessageSend:
		return "message_send"
	case SysMessageReceive:
		return "message_receive"
	case SysKernelInfo:
		return "kernel_info"
	case SysKernelTime:
		return "kernel_time"
	}
	return "unknown"
}
