// Package null implements karnal://device/null, the discard resource.
package null

import (
	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/kresource"
)

// ResourceID is where the null device registers.
const ResourceID = "karnal://device/null"

// Provider discards writes and reads nothing.
type Provider struct{}

// New creates the null provider.
func New() *Provider { return &Provider{} }

// Read always returns 0 bytes.
func (*Provider) Read(buf []byte, offset uint64) (int, error) { return 0, nil }

// Write swallows buf and claims it all.
func (*Provider) Write(buf []byte, offset uint64) (int, error) { return len(buf), nil }

// Control has no requests.
func (*Provider) Control(request, arg uint64) (int64, error) {
	return 0, kerror.Wrap(kerror.NotSupported, "null control %d", request)
}

// Modes allows read and write.
func (*Provider) Modes() kresource.Mode {
	return kresource.ModeRead | kresource.ModeWrite
}
