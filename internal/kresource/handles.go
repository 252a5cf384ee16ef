package kresource

import (
	"sync"

	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/shared/id"
)

// binding ties a live handle to (owner task, provider, mode). The per-handle
// offset advances with read/write on seekable resources.
type binding struct {
	handle     id.Handle
	owner      id.TaskID
	resourceID string
	provider   Provider
	mode       Mode
	offset     uint64
}

// table is the handle table. All operations are short critical sections;
// provider I/O never happens under the table lock.
type table struct {
	mu      sync.Mutex
	entries map[id.Handle]*binding
	ids     *id.Counter
}

func newTable(ids *id.Counter) *table {
	return &table{
		entries: make(map[id.Handle]*binding),
		ids:     ids,
	}
}

func (t *table) insert(owner id.TaskID, resourceID string, p Provider, mode Mode) id.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := id.Handle(t.ids.Next())
	t.entries[h] = &binding{
		handle:     h,
		owner:      owner,
		resourceID: resourceID,
		provider:   p,
		mode:       mode,
	}
	return h
}

// resolve returns a copy of the binding so callers can invoke the provider
// without holding the table lock.
func (t *table) resolve(owner id.TaskID, h id.Handle) (binding, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.entries[h]
	if !ok || b.owner != owner {
		return binding{}, kerror.Wrap(kerror.BadHandle, "handle %d", h)
	}
	return *b, nil
}

func (t *table) remove(owner id.TaskID, h id.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.entries[h]
	if !ok || b.owner != owner {
		return kerror.Wrap(kerror.BadHandle, "release: handle %d", h)
	}
	delete(t.entries, h)
	return nil
}

// releaseOwned drops every handle owned by a task and returns the count.
// Used by task exit.
func (t *table) releaseOwned(owner id.TaskID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for h, b := range t.entries {
		if b.owner == owner {
			delete(t.entries, h)
			n++
		}
	}
	return n
}

// advance moves the handle offset after a successful read/write. The handle
// may have been released while the provider call was in flight; that is fine,
// the offset of a dead handle is meaningless.
func (t *table) advance(h id.Handle, delta uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.entries[h]; ok {
		b.offset += delta
	}
}

func (t *table) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
