package ktask

import (
	"time"

	"github.com/karnal-os/karnal64/internal/kmemory"
	"github.com/karnal-os/karnal64/internal/shared/id"
)

// TaskState is the lifecycle position of a task.
type TaskState uint8

const (
	TaskCreated TaskState = iota
	TaskReady
	TaskRunning
	TaskBlocked
	TaskZombie
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskZombie:
		return "zombie"
	}
	return "unknown"
}

// ThreadState is the lifecycle position of a thread.
type ThreadState uint8

const (
	ThreadReady ThreadState = iota
	ThreadRunning
	ThreadBlocked
	ThreadExited
)

func (s ThreadState) String() string {
	switch s {
	case ThreadReady:
		return "ready"
	case ThreadRunning:
		return "running"
	case ThreadBlocked:
		return "blocked"
	case ThreadExited:
		return "exited"
	}
	return "unknown"
}

// EntryFunc is the body of a program or thread. Returning normally exits the
// thread with no error; the last thread to return exits the task with code 0.
type EntryFunc func(ctx *Context, arg uint64)

// Context identifies the calling task and thread. It is handed to every entry
// function and threaded through the syscall layer so operations know who is
// asking.
type Context struct {
	Task   id.TaskID
	Thread id.ThreadID
}

// Program is a registered executable image. Entry addresses are synthetic but
// stable, so a thread-create request can name an entry point numerically.
type Program struct {
	Name  string
	Addr  uint64
	entry EntryFunc
}

// Task is one isolated execution unit.
type Task struct {
	ID      id.TaskID
	Parent  id.TaskID
	Program string
	Args    []string
	Created time.Time

	state    TaskState
	exitCode int64
	space    *kmemory.AddressSpace
	threads  []id.ThreadID
}

// Thread is one schedulable execution unit inside a task.
type Thread struct {
	ID   id.ThreadID
	Task id.TaskID

	state     ThreadState
	stackBase uint64
	stackSize uint64
	wake      chan error // non-nil only while sleeping
}

// TaskInfo is a read-only snapshot of one task for introspection surfaces.
type TaskInfo struct {
	ID       id.TaskID `json:"id"`
	Parent   id.TaskID `json:"parent"`
	Program  string    `json:"program"`
	Args     []string  `json:"args,omitempty"`
	State    string    `json:"state"`
	Threads  int       `json:"threads"`
	ExitCode int64     `json:"exit_code,omitempty"`
	Created  time.Time `json:"created"`
}
