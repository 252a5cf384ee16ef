// Package ktask manages tasks and threads.
//
// Tasks move Created -> Ready -> Running <-> Blocked -> Zombie; Zombie is
// terminal until reaped. Threads run as goroutines whose lifecycle state is
// tracked here so the rest of the kernel can reason about who is runnable.
// The only forced unblock in the system is task exit.
package ktask

import (
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/karnal-os/karnal64/internal/infrastructure/logging"
	"github.com/karnal-os/karnal64/internal/infrastructure/monitoring"
	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/kmemory"
	"github.com/karnal-os/karnal64/internal/shared/id"
)

// DefaultStackSize backs threads whose creator did not ask for a size.
const DefaultStackSize = 16 * kmemory.PageSize

// programEntryBase is where synthetic program entry addresses start.
const programEntryBase = 0x1000_0000

// imageNameMax bounds how many bytes of a code image are read to find the
// program name.
const imageNameMax = 256

// ImageReader resolves a code handle to its image bytes through the
// capability dispatch layer.
type ImageReader interface {
	ReadAt(owner id.TaskID, h id.Handle, buf []byte) (int, error)
}

// HandleReleaser drops every capability handle an exiting task owns.
type HandleReleaser interface {
	ReleaseOwned(owner id.TaskID) int
}

// LockReleaser force-releases locks and interrupts waiters on task exit.
type LockReleaser interface {
	ReleaseOwnedBy(task id.TaskID)
}

// MailboxRegistry provisions and tears down per-task mailboxes.
type MailboxRegistry interface {
	CreateBox(task id.TaskID)
	DestroyBox(task id.TaskID)
}

// Deps are the subsystems the task manager drives during spawn and exit.
// Resources, Handles, Locks and Mail may be nil in narrow tests.
type Deps struct {
	Memory    *kmemory.Manager
	Resources ImageReader
	Handles   HandleReleaser
	Locks     LockReleaser
	Mail      MailboxRegistry
}

// Manager owns all tasks and threads.
type Manager struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	deps    Deps

	mu        sync.Mutex
	tasks     map[id.TaskID]*Task
	threads   map[id.ThreadID]*Thread
	programs  map[string]*Program
	byAddr    map[uint64]*Program
	readyQ    []id.ThreadID
	taskIDs   id.Counter
	threadIDs id.Counter
}

// NewManager creates the task manager. log and metrics may be nil.
func NewManager(deps Deps, log *logging.Logger, metrics *monitoring.Metrics) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{
		log:      log.Subsystem("ktask"),
		metrics:  metrics,
		deps:     deps,
		tasks:    make(map[id.TaskID]*Task),
		threads:  make(map[id.ThreadID]*Thread),
		programs: make(map[string]*Program),
		byAddr:   make(map[uint64]*Program),
	}
}

// RegisterProgram installs an executable image under a name and returns its
// synthetic entry address. Fails AlreadyExists for a duplicate name.
func (m *Manager) RegisterProgram(name string, entry EntryFunc) (uint64, error) {
	if name == "" || entry == nil {
		return 0, kerror.Wrap(kerror.InvalidArgument, "register_program: empty name or entry")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.programs[name]; ok {
		return 0, kerror.Wrap(kerror.AlreadyExists, "register_program: %q", name)
	}
	p := &Program{
		Name:  name,
		Addr:  programEntryBase + uint64(len(m.programs))*kmemory.PageSize,
		entry: entry,
	}
	m.programs[name] = p
	m.byAddr[p.Addr] = p
	return p.Addr, nil
}

// Spawn creates a task from a code handle. The handle is read through the
// dispatch layer to obtain the image; an unresolvable handle or unknown
// program fails NotFound before any address space exists, so failure leaks
// nothing.
func (m *Manager) Spawn(caller id.TaskID, codeHandle id.Handle, args []string) (id.TaskID, error) {
	if m.deps.Resources == nil {
		return 0, kerror.Wrap(kerror.NotSupported, "spawn: no image reader wired")
	}

	buf := make([]byte, imageNameMax)
	n, err := m.deps.Resources.ReadAt(caller, codeHandle, buf)
	if err != nil {
		return 0, kerror.Wrap(kerror.NotFound, "spawn: code handle %d unresolvable: %v", codeHandle, err)
	}
	name := strings.TrimRight(strings.TrimSpace(string(buf[:n])), "\x00")

	m.mu.Lock()
	prog, ok := m.programs[name]
	m.mu.Unlock()
	if !ok {
		return 0, kerror.Wrap(kerror.NotFound, "spawn: unknown program %q", name)
	}

	space := m.deps.Memory.CreateAddressSpace()
	stackBase, err := m.deps.Memory.AllocUser(space, DefaultStackSize)
	if err != nil {
		// No partial side effects: the fresh space goes away with the error.
		_ = m.deps.Memory.DestroyAddressSpace(space.ID())
		return 0, kerror.Wrap(kerror.OutOfMemory, "spawn: stack for %q: %v", name, err)
	}

	m.mu.Lock()
	t := &Task{
		ID:      id.TaskID(m.taskIDs.Next()),
		Parent:  caller,
		Program: name,
		Args:    append([]string(nil), args...),
		Created: time.Now(),
		state:   TaskReady,
		space:   space,
	}
	th := &Thread{
		ID:        id.ThreadID(m.threadIDs.Next()),
		Task:      t.ID,
		state:     ThreadReady,
		stackBase: stackBase,
		stackSize: DefaultStackSize,
	}
	t.threads = append(t.threads, th.ID)
	m.tasks[t.ID] = t
	m.threads[th.ID] = th
	m.readyQ = append(m.readyQ, th.ID)
	m.mu.Unlock()

	if m.deps.Mail != nil {
		m.deps.Mail.CreateBox(t.ID)
	}
	m.updateGauges()
	m.log.Info("task spawned",
		zap.Uint64("task", uint64(t.ID)),
		zap.String("program", name),
		zap.Uint64("thread", uint64(th.ID)),
	)

	m.start(t, th, prog.entry, 0)
	return t.ID, nil
}

// ThreadCreate adds a thread to the calling task at a registered entry
// address, sharing the task's address space. Fails InvalidArgument for an
// unknown entry, OutOfMemory when the stack cannot be backed. The stack is
// allocated and the thread registered under the manager lock: a racing exit
// either retires the registered thread and frees its stack with the space,
// or wins outright before any stack exists. Neither order strands frames.
func (m *Manager) ThreadCreate(ctx *Context, entryAddr, stackSize, arg uint64) (id.ThreadID, error) {
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}

	m.mu.Lock()
	t, ok := m.tasks[ctx.Task]
	if !ok || t.state == TaskZombie {
		m.mu.Unlock()
		return 0, kerror.Wrap(kerror.NotFound, "thread_create: task %d", ctx.Task)
	}
	prog, ok := m.byAddr[entryAddr]
	if !ok {
		m.mu.Unlock()
		return 0, kerror.Wrap(kerror.InvalidArgument, "thread_create: entry %#x not a program", entryAddr)
	}
	stackBase, err := m.deps.Memory.AllocUser(t.space, stackSize)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	th := &Thread{
		ID:        id.ThreadID(m.threadIDs.Next()),
		Task:      t.ID,
		state:     ThreadReady,
		stackBase: stackBase,
		stackSize: stackSize,
	}
	t.threads = append(t.threads, th.ID)
	m.threads[th.ID] = th
	m.readyQ = append(m.readyQ, th.ID)
	m.mu.Unlock()

	m.updateGauges()
	m.start(t, th, prog.entry, arg)
	return th.ID, nil
}

// start launches the goroutine backing a thread.
func (m *Manager) start(t *Task, th *Thread, entry EntryFunc, arg uint64) {
	go func() {
		m.mu.Lock()
		if th.state == ThreadExited {
			m.mu.Unlock()
			return
		}
		if err := m.deps.Memory.ActivateSpace(th.ID, t.space.ID()); err != nil {
			m.mu.Unlock()
			m.threadExit(th)
			return
		}
		th.state = ThreadRunning
		m.removeReadyLocked(th.ID)
		if t.state == TaskReady {
			t.state = TaskRunning
		}
		m.mu.Unlock()

		entry(&Context{Task: t.ID, Thread: th.ID}, arg)
		m.threadExit(th)
	}()
}

// threadExit retires a thread after its entry returned. The last live thread
// of a still-live task takes the whole task down with exit code 0.
func (m *Manager) threadExit(th *Thread) {
	m.mu.Lock()
	if th.state == ThreadExited {
		m.mu.Unlock()
		return
	}
	th.state = ThreadExited
	m.removeReadyLocked(th.ID)

	t := m.tasks[th.Task]
	last := true
	taskLive := t != nil && t.state != TaskZombie
	if t != nil {
		for _, tid := range t.threads {
			if sib := m.threads[tid]; sib != nil && sib.state != ThreadExited {
				last = false
				break
			}
		}
	}
	m.mu.Unlock()

	m.deps.Memory.DeactivateThread(th.ID)
	m.updateGauges()

	if last && taskLive {
		m.Exit(th.Task, 0)
	}
}

// ThreadExit retires the calling thread. The entry function is expected to
// return promptly afterwards; the last live thread of a task takes the whole
// task to Zombie with exit code 0.
func (m *Manager) ThreadExit(ctx *Context) {
	m.mu.Lock()
	th, ok := m.threads[ctx.Thread]
	m.mu.Unlock()
	if ok {
		m.threadExit(th)
	}
}

// Exit transitions a task to Zombie and tears down everything it owns:
// capability handles, held locks (waiters of its threads get Interrupted),
// its mailbox, sleeping threads, and finally its address space. Idempotent;
// a second exit of the same task is a no-op.
func (m *Manager) Exit(task id.TaskID, code int64) {
	m.mu.Lock()
	t, ok := m.tasks[task]
	if !ok || t.state == TaskZombie {
		m.mu.Unlock()
		return
	}
	t.state = TaskZombie
	t.exitCode = code

	var sleepers []chan error
	var retired []id.ThreadID
	for _, tid := range t.threads {
		th := m.threads[tid]
		if th == nil || th.state == ThreadExited {
			continue
		}
		if th.wake != nil {
			sleepers = append(sleepers, th.wake)
			th.wake = nil
		}
		th.state = ThreadExited
		m.removeReadyLocked(tid)
		retired = append(retired, tid)
	}
	space := t.space
	m.mu.Unlock()

	for _, ch := range sleepers {
		ch <- kerror.Wrap(kerror.Interrupted, "task %d exited while sleeping", task)
	}

	released := 0
	if m.deps.Handles != nil {
		released = m.deps.Handles.ReleaseOwned(task)
	}
	if m.deps.Locks != nil {
		m.deps.Locks.ReleaseOwnedBy(task)
	}
	if m.deps.Mail != nil {
		m.deps.Mail.DestroyBox(task)
	}
	for _, tid := range retired {
		m.deps.Memory.DeactivateThread(tid)
	}
	if space != nil {
		if err := m.deps.Memory.DestroyAddressSpace(space.ID()); err != nil {
			m.log.Error("address space survived task exit",
				zap.Uint64("task", uint64(task)),
				zap.Error(err),
			)
		}
	}

	m.updateGauges()
	m.log.Info("task exited",
		zap.Uint64("task", uint64(task)),
		zap.Int64("code", code),
		zap.Int("handles_released", released),
	)
}

// Sleep blocks the calling thread until at least d has elapsed. The guarantee
// is "woken not before deadline", never "at exactly". A task exit during the
// sleep returns Interrupted.
func (m *Manager) Sleep(ctx *Context, d time.Duration) error {
	m.mu.Lock()
	th, ok := m.threads[ctx.Thread]
	if !ok || th.state == ThreadExited {
		m.mu.Unlock()
		return kerror.Wrap(kerror.NotFound, "sleep: thread %d", ctx.Thread)
	}
	wake := make(chan error, 1)
	th.wake = wake
	th.state = ThreadBlocked
	m.recomputeTaskLocked(ctx.Task)
	m.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var err error
	select {
	case <-timer.C:
	case err = <-wake:
	}

	m.mu.Lock()
	th.wake = nil
	if th.state == ThreadExited {
		m.mu.Unlock()
		if err == nil {
			err = kerror.Wrap(kerror.Interrupted, "sleep: task %d exited", ctx.Task)
		}
		return err
	}
	th.state = ThreadRunning
	m.recomputeTaskLocked(ctx.Task)
	m.mu.Unlock()
	return err
}

// Yield gives up the CPU voluntarily. The thread passes through Ready, joins
// the FIFO ready order, and resumes Running.
func (m *Manager) Yield(ctx *Context) {
	m.mu.Lock()
	th, ok := m.threads[ctx.Thread]
	if !ok || th.state != ThreadRunning {
		m.mu.Unlock()
		return
	}
	th.state = ThreadReady
	m.readyQ = append(m.readyQ, th.ID)
	m.recomputeTaskLocked(ctx.Task)
	m.mu.Unlock()

	runtime.Gosched()

	m.mu.Lock()
	if th.state == ThreadReady {
		th.state = ThreadRunning
		m.removeReadyLocked(th.ID)
		m.recomputeTaskLocked(ctx.Task)
	}
	m.mu.Unlock()
}

// OnBlock marks a thread Blocked. Installed as the lock manager's hook so
// lock waits show up in task state.
func (m *Manager) OnBlock(thread id.ThreadID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if th, ok := m.threads[thread]; ok && th.state == ThreadRunning {
		th.state = ThreadBlocked
		m.recomputeTaskLocked(th.Task)
	}
}

// OnWake marks a thread Running again after a lock hand-off.
func (m *Manager) OnWake(thread id.ThreadID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if th, ok := m.threads[thread]; ok && th.state == ThreadBlocked {
		th.state = ThreadRunning
		m.recomputeTaskLocked(th.Task)
	}
}

// recomputeTaskLocked derives the task state from its live threads.
func (m *Manager) recomputeTaskLocked(task id.TaskID) {
	t, ok := m.tasks[task]
	if !ok || t.state == TaskZombie {
		return
	}
	running, ready, live := 0, 0, 0
	for _, tid := range t.threads {
		th := m.threads[tid]
		if th == nil || th.state == ThreadExited {
			continue
		}
		live++
		switch th.state {
		case ThreadRunning:
			running++
		case ThreadReady:
			ready++
		}
	}
	switch {
	case live == 0:
		// threadExit or Exit handles the terminal transition.
	case running > 0:
		t.state = TaskRunning
	case ready > 0:
		t.state = TaskReady
	default:
		t.state = TaskBlocked
	}
}

func (m *Manager) removeReadyLocked(thread id.ThreadID) {
	for i, tid := range m.readyQ {
		if tid == thread {
			m.readyQ = append(m.readyQ[:i], m.readyQ[i+1:]...)
			return
		}
	}
}

// Reap removes a Zombie task and its threads. Fails NotFound for an unknown
// task, Busy for one that has not exited yet.
func (m *Manager) Reap(task id.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[task]
	if !ok {
		return kerror.Wrap(kerror.NotFound, "reap: task %d", task)
	}
	if t.state != TaskZombie {
		return kerror.Wrap(kerror.Busy, "reap: task %d still %s", task, t.state)
	}
	for _, tid := range t.threads {
		delete(m.threads, tid)
	}
	delete(m.tasks, task)
	return nil
}

// Space returns the address space of a live task.
func (m *Manager) Space(task id.TaskID) (*kmemory.AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[task]
	if !ok || t.state == TaskZombie {
		return nil, kerror.Wrap(kerror.NotFound, "task %d has no live address space", task)
	}
	return t.space, nil
}

// State reports a task's current lifecycle state.
func (m *Manager) State(task id.TaskID) (TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[task]
	if !ok {
		return 0, kerror.Wrap(kerror.NotFound, "task %d", task)
	}
	return t.state, nil
}

// ThreadState reports a thread's current lifecycle state.
func (m *Manager) ThreadState(thread id.ThreadID) (ThreadState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	th, ok := m.threads[thread]
	if !ok {
		return 0, kerror.Wrap(kerror.NotFound, "thread %d", thread)
	}
	return th.state, nil
}

// Info snapshots one task.
func (m *Manager) Info(task id.TaskID) (TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[task]
	if !ok {
		return TaskInfo{}, kerror.Wrap(kerror.NotFound, "task %d", task)
	}
	return m.infoLocked(t), nil
}

// List snapshots every task, including Zombies awaiting reap.
func (m *Manager) List() []TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TaskInfo, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, m.infoLocked(t))
	}
	return out
}

func (m *Manager) infoLocked(t *Task) TaskInfo {
	live := 0
	for _, tid := range t.threads {
		if th := m.threads[tid]; th != nil && th.state != ThreadExited {
			live++
		}
	}
	return TaskInfo{
		ID:       t.ID,
		Parent:   t.Parent,
		Program:  t.Program,
		Args:     append([]string(nil), t.Args...),
		State:    t.state.String(),
		Threads:  live,
		ExitCode: t.exitCode,
		Created:  t.Created,
	}
}

// Counts reports live (non-Zombie) tasks and live threads.
func (m *Manager) Counts() (tasks, threads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countsLocked()
}

func (m *Manager) countsLocked() (tasks, threads int) {
	for _, t := range m.tasks {
		if t.state != TaskZombie {
			tasks++
		}
	}
	for _, th := range m.threads {
		if th.state != ThreadExited {
			threads++
		}
	}
	return tasks, threads
}

// ReadyOrder snapshots the FIFO ready queue for inspection.
func (m *Manager) ReadyOrder() []id.ThreadID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]id.ThreadID(nil), m.readyQ...)
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	tasks, threads := m.Counts()
	m.metrics.TasksActive.Set(float64(tasks))
	m.metrics.ThreadsActive.Set(float64(threads))
}
