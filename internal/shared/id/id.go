// Package id provides centralized ID generation for the kernel.
//
// Kernel object ids (tasks, threads, handles, address spaces) are plain u64
// values handed across the syscall boundary, allocated monotonically and
// never reused while live. Zero is reserved as the invalid id in every
// namespace. Boot sessions additionally get a ULID so log and metric streams
// from different boots can be told apart.
package id

import (
	"crypto/rand"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// TaskID identifies a task.
type TaskID uint64

// ThreadID identifies a thread within a task.
type ThreadID uint64

// Handle is the opaque capability value a task holds for a resource.
type Handle uint64

// SpaceID identifies an address space.
type SpaceID uint64

// Counter allocates monotonically increasing u64 ids starting at 1.
type Counter struct {
	v atomic.Uint64
}

// Next returns a fresh id.
func (c *Counter) Next() uint64 {
	return c.v.Add(1)
}

// NewBootID generates a ULID naming one boot of the kernel.
func NewBootID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// ParseBootID validates a boot id string.
func ParseBootID(s string) (ulid.ULID, error) {
	return ulid.Parse(s)
}
