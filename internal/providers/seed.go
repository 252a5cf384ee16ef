// Package providers wires the built-in resource providers into the
// capability registry during boot.
package providers

import (
	"io"

	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/kresource"
	"github.com/karnal-os/karnal64/internal/providers/console"
	"github.com/karnal-os/karnal64/internal/providers/initrd"
	"github.com/karnal-os/karnal64/internal/providers/null"
	"github.com/karnal-os/karnal64/internal/providers/power"
)

// Options tailors the built-ins. Zero values give a stdout console and an
// initrd holding only the init image.
type Options struct {
	ConsoleOut io.Writer
	Images     []initrd.Image
}

// Set holds the seeded provider instances for later kernel use.
type Set struct {
	Console *console.Provider
	Null    *null.Provider
	Initrd  *initrd.Provider
	Battery *power.Provider
}

// Seed registers the named built-in providers, owner is the kernel task 0.
// Unknown names fail InvalidArgument; nothing registered before the failure
// is rolled back, boot treats any seed failure as fatal anyway.
func Seed(res *kresource.Manager, names []string, opts Options) (*Set, error) {
	if len(opts.Images) == 0 {
		opts.Images = []initrd.Image{initrd.BootImage("init")}
	}

	set := &Set{}
	for _, name := range names {
		switch name {
		case console.ResourceID:
			set.Console = console.New(opts.ConsoleOut)
			if _, err := res.RegisterProvider(0, console.ResourceID, set.Console); err != nil {
				return nil, err
			}
		case null.ResourceID:
			set.Null = null.New()
			if _, err := res.RegisterProvider(0, null.ResourceID, set.Null); err != nil {
				return nil, err
			}
		case initrd.ResourceID:
			set.Initrd = initrd.New(opts.Images)
			if _, err := res.RegisterProvider(0, initrd.ResourceID, set.Initrd); err != nil {
				return nil, err
			}
			// Every stored image doubles as a spawnable code resource.
			for _, img := range set.Initrd.Names() {
				p, _ := set.Initrd.ImageProvider(img)
				if _, err := res.RegisterProvider(0, initrd.ImagePrefix+img, p); err != nil {
					return nil, err
				}
			}
		case power.ResourceID:
			set.Battery = power.New()
			if _, err := res.RegisterProvider(0, power.ResourceID, set.Battery); err != nil {
				return nil, err
			}
		default:
			return nil, kerror.Wrap(kerror.InvalidArgument, "seed: unknown provider %q", name)
		}
	}
	return set, nil
}
