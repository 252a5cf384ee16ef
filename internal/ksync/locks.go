// Package ksync implements kernel lock objects exposed as handles.
//
// Wait queues are strict FIFO: the waiter that blocked first acquires first.
// Re-acquiring a lock already held by the calling thread is not detected and
// deadlocks that thread; that is the caller's contract, not a checked error.
package ksync

import (
	"sync"

	"go.uber.org/zap"

	"github.com/karnal-os/karnal64/internal/infrastructure/logging"
	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/shared/id"
)

// Hooks lets the task manager observe blocking transitions. Optional.
type Hooks interface {
	OnBlock(thread id.ThreadID)
	OnWake(thread id.ThreadID)
}

type waiter struct {
	task   id.TaskID
	thread id.ThreadID
	ch     chan error
}

type lockState struct {
	holderTask   id.TaskID
	holderThread id.ThreadID // zero when unheld
	queue        []*waiter
}

// Manager owns all lock objects.
type Manager struct {
	log   *logging.Logger
	hooks Hooks

	mu    sync.Mutex
	locks map[id.Handle]*lockState
	ids   *id.Counter
}

// NewManager creates the lock manager. Handle ids come from the shared
// counter so lock handles never collide with resource handles.
func NewManager(handleIDs *id.Counter, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{
		log:   log.Subsystem("ksync"),
		locks: make(map[id.Handle]*lockState),
		ids:   handleIDs,
	}
}

// SetHooks installs task-manager callbacks for block/wake transitions.
func (m *Manager) SetHooks(h Hooks) { m.hooks = h }

// Create returns a new unlocked lock with an empty wait queue.
func (m *Manager) Create() id.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := id.Handle(m.ids.Next())
	m.locks[h] = &lockState{}
	return h
}

// Acquire takes the lock for the calling thread, blocking in FIFO order
// while another thread holds it. A forced unblock from task exit returns
// Interrupted.
func (m *Manager) Acquire(task id.TaskID, thread id.ThreadID, h id.Handle) error {
	m.mu.Lock()
	lk, ok := m.locks[h]
	if !ok {
		m.mu.Unlock()
		return kerror.Wrap(kerror.BadHandle, "lock_acquire: handle %d", h)
	}

	if lk.holderThread == 0 {
		lk.holderTask = task
		lk.holderThread = thread
		m.mu.Unlock()
		return nil
	}

	w := &waiter{task: task, thread: thread, ch: make(chan error, 1)}
	lk.queue = append(lk.queue, w)
	m.mu.Unlock()

	if m.hooks != nil {
		m.hooks.OnBlock(thread)
	}
	err := <-w.ch
	if m.hooks != nil {
		m.hooks.OnWake(thread)
	}
	return err
}

// Release hands the lock to the head of the wait queue, or leaves it
// holder-less when nobody waits. Fails PermissionDenied when the caller is
// not the current holder, BadHandle for an unknown lock.
func (m *Manager) Release(task id.TaskID, thread id.ThreadID, h id.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lk, ok := m.locks[h]
	if !ok {
		return kerror.Wrap(kerror.BadHandle, "lock_release: handle %d", h)
	}
	if lk.holderThread != thread {
		return kerror.Wrap(kerror.PermissionDenied, "lock_release: handle %d held by thread %d, not %d", h, lk.holderThread, thread)
	}

	m.handOffLocked(lk)
	return nil
}

// handOffLocked transfers holdership to the queue head or clears it.
func (m *Manager) handOffLocked(lk *lockState) {
	if len(lk.queue) == 0 {
		lk.holderTask = 0
		lk.holderThread = 0
		return
	}

	next := lk.queue[0]
	lk.queue = lk.queue[1:]
	lk.holderTask = next.task
	lk.holderThread = next.thread
	next.ch <- nil
}

// ReleaseOwnedBy force-releases every lock held by the exiting task's
// threads and interrupts every waiter belonging to it. The only forced
// unblock in the system; spec'd as part of task exit.
func (m *Manager) ReleaseOwnedBy(task id.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for _, lk := range m.locks {
		// Purge the exiting task's waiters first so the hand-off below can
		// never pick one of them as the new holder.
		kept := lk.queue[:0]
		for _, w := range lk.queue {
			if w.task == task {
				w.ch <- kerror.Wrap(kerror.Interrupted, "task %d exited while waiting", task)
			} else {
				kept = append(kept, w)
			}
		}
		lk.queue = kept

		if lk.holderThread != 0 && lk.holderTask == task {
			m.handOffLocked(lk)
			released++
		}
	}

	if released > 0 {
		m.log.Debug("locks force-released on exit",
			zap.Uint64("task", uint64(task)),
			zap.Int("count", released),
		)
	}
}

// Holder reports the current holding thread, zero when unheld.
func (m *Manager) Holder(h id.Handle) (id.ThreadID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lk, ok := m.locks[h]
	if !ok {
		return 0, false
	}
	return lk.holderThread, true
}

// QueueLen reports the number of blocked waiters.
func (m *Manager) QueueLen(h id.Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lk, ok := m.locks[h]; ok {
		return len(lk.queue)
	}
	return 0
}
