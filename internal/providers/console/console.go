// Package console implements the kernel console resource,
// karnal://device/console.
//
// The console is a write-only stream: reads fail NotSupported at the provider
// and PermissionDenied at any handle that was not opened writable. Control
// carries terminal commands.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/kresource"
)

// ResourceID is where the console registers.
const ResourceID = "karnal://device/console"

// Control request codes.
const (
	CtlClearScreen  = 1
	CtlSetCursorPos = 2 // arg = y<<32 | x
	CtlBytesWritten = 3
)

// Provider streams writes to a sink, os.Stdout by default.
type Provider struct {
	mu      sync.Mutex
	out     io.Writer
	written uint64
}

// New creates a console provider over out. A nil out falls back to stdout.
func New(out io.Writer) *Provider {
	if out == nil {
		out = os.Stdout
	}
	return &Provider{out: out}
}

// Read is not supported; the console is an output device.
func (p *Provider) Read(buf []byte, offset uint64) (int, error) {
	return 0, kerror.Wrap(kerror.NotSupported, "console is write-only")
}

// Write streams buf to the sink. Offsets are ignored; a console is not
// seekable.
func (p *Provider) Write(buf []byte, offset uint64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.out.Write(buf)
	p.written += uint64(n)
	if err != nil {
		return n, kerror.Wrap(kerror.Internal, "console write: %v", err)
	}
	return n, nil
}

// Control handles terminal commands.
func (p *Provider) Control(request, arg uint64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch request {
	case CtlClearScreen:
		n, _ := io.WriteString(p.out, "\x1b[2J\x1b[H")
		p.written += uint64(n)
		return 0, nil
	case CtlSetCursorPos:
		x, y := uint32(arg), uint32(arg>>32)
		n, _ := fmt.Fprintf(p.out, "\x1b[%d;%dH", y+1, x+1)
		p.written += uint64(n)
		return 0, nil
	case CtlBytesWritten:
		return int64(p.written), nil
	}
	return 0, kerror.Wrap(kerror.NotSupported, "console control %d", request)
}

// Modes allows write and control; read is absent so read-mode acquires fail
// up front.
func (p *Provider) Modes() kresource.Mode {
	return kresource.ModeWrite | kresource.ModeControl
}
