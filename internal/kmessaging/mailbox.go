// Package kmessaging implements per-task FIFO mailboxes.
//
// Send never blocks the sender and receive is a poll, never a block.
// Mailboxes are bounded: a full mailbox fails Busy so a hostile sender
// cannot grow kernel memory without limit.
package kmessaging

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/karnal-os/karnal64/internal/infrastructure/logging"
	"github.com/karnal-os/karnal64/internal/infrastructure/monitoring"
	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/shared/id"
)

// Message is one queued mailbox entry.
type Message struct {
	Sender  id.TaskID
	Payload []byte
}

type mailbox struct {
	mu    sync.Mutex
	queue []Message
}

// Manager owns every task mailbox. Each mailbox has its own exclusion
// domain; senders to different tasks never contend.
type Manager struct {
	log      *logging.Logger
	metrics  *monitoring.Metrics
	capacity int

	mu    sync.RWMutex
	boxes map[id.TaskID]*mailbox

	queued atomic.Int64
}

// NewManager creates the messaging manager. metrics may be nil.
func NewManager(capacity int, log *logging.Logger, metrics *monitoring.Metrics) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &Manager{
		log:      log.Subsystem("kmessaging"),
		metrics:  metrics,
		capacity: capacity,
		boxes:    make(map[id.TaskID]*mailbox),
	}
}

// CreateBox provisions the mailbox for a new task.
func (m *Manager) CreateBox(task id.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[task] = &mailbox{}
}

// DestroyBox drops a task's mailbox and everything still queued in it.
// After this, sends to the task fail NotFound.
func (m *Manager) DestroyBox(task id.TaskID) {
	m.mu.Lock()
	box := m.boxes[task]
	delete(m.boxes, task)
	m.mu.Unlock()

	if box != nil {
		box.mu.Lock()
		dropped := len(box.queue)
		box.queue = nil
		box.mu.Unlock()
		if dropped > 0 {
			m.queued.Add(int64(-dropped))
			m.log.Debug("mailbox dropped with queued messages",
				zap.Uint64("task", uint64(task)),
				zap.Int("dropped", dropped),
			)
		}
	}
	m.updateGauge()
}

// Send appends a message to the target's mailbox. Fails NotFound when the
// target does not exist (or already exited), Busy when the mailbox is full.
// The payload is copied; the sender keeps ownership of its buffer.
func (m *Manager) Send(sender, target id.TaskID, payload []byte) error {
	m.mu.RLock()
	box, ok := m.boxes[target]
	m.mu.RUnlock()
	if !ok {
		return kerror.Wrap(kerror.NotFound, "send: task %d has no mailbox", target)
	}

	box.mu.Lock()
	defer box.mu.Unlock()

	if len(box.queue) >= m.capacity {
		return kerror.Wrap(kerror.Busy, "send: mailbox of task %d full (%d messages)", target, m.capacity)
	}

	msg := Message{Sender: sender, Payload: append([]byte(nil), payload...)}
	box.queue = append(box.queue, msg)
	m.queued.Add(1)
	m.updateGauge()
	return nil
}

// Receive dequeues the oldest message into buf. An empty mailbox returns
// NoMessage immediately. A buffer smaller than the payload fails
// InvalidArgument and leaves the message queued: no silent truncation, the
// caller may retry with a larger buffer.
func (m *Manager) Receive(task id.TaskID, buf []byte) (int, error) {
	m.mu.RLock()
	box, ok := m.boxes[task]
	m.mu.RUnlock()
	if !ok {
		return 0, kerror.Wrap(kerror.NotFound, "receive: task %d has no mailbox", task)
	}

	box.mu.Lock()
	defer box.mu.Unlock()

	if len(box.queue) == 0 {
		return 0, kerror.NoMessage
	}

	head := box.queue[0]
	if len(buf) < len(head.Payload) {
		return 0, kerror.Wrap(kerror.InvalidArgument, "receive: buffer %d < payload %d", len(buf), len(head.Payload))
	}

	box.queue = box.queue[1:]
	m.queued.Add(-1)
	m.updateGauge()
	return copy(buf, head.Payload), nil
}

// Peek returns the size of the oldest queued payload without dequeuing,
// NoMessage when empty.
func (m *Manager) Peek(task id.TaskID) (int, error) {
	m.mu.RLock()
	box, ok := m.boxes[task]
	m.mu.RUnlock()
	if !ok {
		return 0, kerror.Wrap(kerror.NotFound, "peek: task %d has no mailbox", task)
	}

	box.mu.Lock()
	defer box.mu.Unlock()

	if len(box.queue) == 0 {
		return 0, kerror.NoMessage
	}
	return len(box.queue[0].Payload), nil
}

// QueueLen reports how many messages wait for a task.
func (m *Manager) QueueLen(task id.TaskID) int {
	m.mu.RLock()
	box, ok := m.boxes[task]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	return len(box.queue)
}

func (m *Manager) updateGauge() {
	if m.metrics == nil {
		return
	}
	m.metrics.MessagesQueued.Set(float64(m.queued.Load()))
}
