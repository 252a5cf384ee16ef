// Package initrd implements karnal://boot/initrd, the read-only boot image
// store.
//
// The store concatenates its images into one addressable blob; control
// requests expose the layout. Each image is also exposed as its own
// karnal://boot/<name> resource so task spawn can use it as a code handle.
// Image bytes carry the program name; there is no executable format to parse.
package initrd

import (
	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/kresource"
)

// ResourceID is where the whole store registers.
const ResourceID = "karnal://boot/initrd"

// ImagePrefix is the namespace of per-image resources.
const ImagePrefix = "karnal://boot/"

// Control request codes.
const (
	CtlImageCount  = 1
	CtlImageSize   = 2 // arg = image index
	CtlImageOffset = 3 // arg = image index
	CtlTotalSize   = 4
)

// Image is one named entry in the boot store.
type Image struct {
	Name string
	Data []byte
}

// BootImage builds the conventional image for a named program: the image
// bytes are the program name itself.
func BootImage(name string) Image {
	return Image{Name: name, Data: []byte(name)}
}

// Provider is the boot image store. Contents are fixed at construction, so
// reads need no locking.
type Provider struct {
	images  []Image
	offsets []uint64
	blob    []byte
}

// New creates the store from a fixed image list.
func New(images []Image) *Provider {
	p := &Provider{images: images}
	for _, img := range images {
		p.offsets = append(p.offsets, uint64(len(p.blob)))
		p.blob = append(p.blob, img.Data...)
	}
	return p
}

// Read serves bytes of the concatenated blob.
func (p *Provider) Read(buf []byte, offset uint64) (int, error) {
	if offset >= uint64(len(p.blob)) {
		return 0, nil
	}
	return copy(buf, p.blob[offset:]), nil
}

// Write is rejected; the store is sealed at boot.
func (p *Provider) Write(buf []byte, offset uint64) (int, error) {
	return 0, kerror.Wrap(kerror.NotSupported, "initrd is read-only")
}

// Control exposes the store layout.
func (p *Provider) Control(request, arg uint64) (int64, error) {
	switch request {
	case CtlImageCount:
		return int64(len(p.images)), nil
	case CtlImageSize:
		if arg >= uint64(len(p.images)) {
			return 0, kerror.Wrap(kerror.InvalidArgument, "initrd: image index %d of %d", arg, len(p.images))
		}
		return int64(len(p.images[arg].Data)), nil
	case CtlImageOffset:
		if arg >= uint64(len(p.images)) {
			return 0, kerror.Wrap(kerror.InvalidArgument, "initrd: image index %d of %d", arg, len(p.images))
		}
		return int64(p.offsets[arg]), nil
	case CtlTotalSize:
		return int64(len(p.blob)), nil
	}
	return 0, kerror.Wrap(kerror.NotSupported, "initrd control %d", request)
}

// Modes allows read and control.
func (p *Provider) Modes() kresource.Mode {
	return kresource.ModeRead | kresource.ModeControl
}

// ImageProvider returns a read-only provider over one named image, or false
// when the store has no such image.
func (p *Provider) ImageProvider(name string) (kresource.Provider, bool) {
	for _, img := range p.images {
		if img.Name == name {
			return &imageResource{data: img.Data}, true
		}
	}
	return nil, false
}

// Names lists the stored image names in order.
func (p *Provider) Names() []string {
	names := make([]string, len(p.images))
	for i, img := range p.images {
		names[i] = img.Name
	}
	return names
}

type imageResource struct {
	data []byte
}

func (r *imageResource) Read(buf []byte, offset uint64) (int, error) {
	if offset >= uint64(len(r.data)) {
		return 0, nil
	}
	return copy(buf, r.data[offset:]), nil
}

func (r *imageResource) Write(buf []byte, offset uint64) (int, error) {
	return 0, kerror.Wrap(kerror.NotSupported, "boot image is read-only")
}

func (r *imageResource) Control(request, arg uint64) (int64, error) {
	if request == CtlImageSize {
		return int64(len(r.data)), nil
	}
	return 0, kerror.Wrap(kerror.NotSupported, "boot image control %d", request)
}

func (r *imageResource) Modes() kresource.Mode { return kresource.ModeRead }
