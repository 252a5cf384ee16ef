package kresource

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/karnal-os/karnal64/internal/kerror"
)

// Entry is one provider binding in the registry.
type Entry struct {
	ID           string
	Provider     Provider
	RegisteredAt time.Time
}

// registry maps resource identifiers to providers. One entry per identifier;
// duplicates are rejected.
type registry struct {
	entries sync.Map
	count   atomic.Int64
}

func (r *registry) register(resourceID string, p Provider) error {
	if !ValidResourceID(resourceID) {
		return kerror.Wrap(kerror.InvalidArgument, "register_provider: malformed resource id %q", resourceID)
	}
	if p == nil {
		return kerror.Wrap(kerror.InvalidArgument, "register_provider: nil provider for %q", resourceID)
	}

	entry := &Entry{ID: resourceID, Provider: p, RegisteredAt: time.Now()}
	if _, loaded := r.entries.LoadOrStore(resourceID, entry); loaded {
		return kerror.Wrap(kerror.AlreadyExists, "register_provider: %q already registered", resourceID)
	}
	r.count.Add(1)
	return nil
}

func (r *registry) lookup(resourceID string) (*Entry, error) {
	val, ok := r.entries.Load(resourceID)
	if !ok {
		return nil, kerror.Wrap(kerror.NotFound, "no provider registered under %q", resourceID)
	}
	return val.(*Entry), nil
}

func (r *registry) unregister(resourceID string) error {
	if _, ok := r.entries.LoadAndDelete(resourceID); !ok {
		return kerror.Wrap(kerror.NotFound, "unregister_provider: %q", resourceID)
	}
	r.count.Add(-1)
	return nil
}

func (r *registry) list() []Entry {
	var out []Entry
	r.entries.Range(func(_, value interface{}) bool {
		out = append(out, *value.(*Entry))
		return true
	})
	return out
}
