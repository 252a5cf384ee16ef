// Package power implements karnal://power/battery, the battery status
// resource.
//
// Read yields a textual status snapshot; control answers single-value
// queries. The backing state is set by whatever platform layer feeds the
// kernel; tests and the default boot use a synthetic full battery.
package power

import (
	"fmt"
	"sync"

	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/kresource"
)

// ResourceID is where the battery registers.
const ResourceID = "karnal://power/battery"

// Control request codes.
const (
	CtlChargePercent = 1
	CtlChargingState = 2
)

// Provider reports battery state.
type Provider struct {
	mu       sync.Mutex
	percent  uint8
	charging bool
}

// New creates a battery provider, full and on external power.
func New() *Provider {
	return &Provider{percent: 100, charging: true}
}

// Set updates the battery state; called by the platform feed.
func (p *Provider) Set(percent uint8, charging bool) {
	if percent > 100 {
		percent = 100
	}
	p.mu.Lock()
	p.percent = percent
	p.charging = charging
	p.mu.Unlock()
}

// Read serves a status snapshot, e.g. "percent=87 charging=true".
func (p *Provider) Read(buf []byte, offset uint64) (int, error) {
	p.mu.Lock()
	snapshot := fmt.Sprintf("percent=%d charging=%t", p.percent, p.charging)
	p.mu.Unlock()

	if offset >= uint64(len(snapshot)) {
		return 0, nil
	}
	return copy(buf, snapshot[offset:]), nil
}

// Write is rejected; battery state comes from the platform, not userland.
func (p *Provider) Write(buf []byte, offset uint64) (int, error) {
	return 0, kerror.Wrap(kerror.NotSupported, "battery is read-only")
}

// Control answers single-value queries.
func (p *Provider) Control(request, arg uint64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch request {
	case CtlChargePercent:
		return int64(p.percent), nil
	case CtlChargingState:
		if p.charging {
			return 1, nil
		}
		return 0, nil
	}
	return 0, kerror.Wrap(kerror.NotSupported, "battery control %d", request)
}

// Modes allows read and control.
func (p *Provider) Modes() kresource.Mode {
	return kresource.ModeRead | kresource.ModeControl
}
