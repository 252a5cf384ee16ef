// Package kresource implements the capability layer: the provider registry,
// the handle table, and the dispatch path that routes read/write/control
// through a handle to its bound provider.
package kresource

import "strings"

// Mode is the access-mode bitset carried by a handle.
type Mode uint32

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	ModeControl
)

// Has reports whether every bit of o is present in m.
func (m Mode) Has(o Mode) bool { return m&o == o }

// Provider is the plugin contract for resource implementations. Providers
// serialize their own internal state: the dispatch layer is reentrant and may
// invoke one provider concurrently from multiple handles and tasks.
type Provider interface {
	// Read fills buf starting at offset and returns the bytes read.
	Read(buf []byte, offset uint64) (int, error)
	// Write stores buf starting at offset and returns the bytes written.
	Write(buf []byte, offset uint64) (int, error)
	// Control performs a provider-specific request (ioctl style).
	Control(request, arg uint64) (int64, error)
	// Modes returns the capability set the provider supports.
	Modes() Mode
}

// ValidResourceID checks the hierarchical scheme://path form,
// e.g. karnal://device/console.
func ValidResourceID(resourceID string) bool {
	scheme, path, ok := strings.Cut(resourceID, "://")
	return ok && scheme != "" && path != ""
}
