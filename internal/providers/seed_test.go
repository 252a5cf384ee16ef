package providers

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karnal-os/karnal64/internal/infrastructure/config"
	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/kresource"
	"github.com/karnal-os/karnal64/internal/providers/initrd"
	"github.com/karnal-os/karnal64/internal/shared/id"
)

func TestSeedDefaultManifest(t *testing.T) {
	res := kresource.NewManager(&id.Counter{}, nil, nil)
	var sink bytes.Buffer

	set, err := Seed(res, config.DefaultManifest().Providers, Options{ConsoleOut: &sink})
	require.NoError(t, err)
	require.NotNil(t, set.Console)
	require.NotNil(t, set.Null)
	require.NotNil(t, set.Initrd)
	require.NotNil(t, set.Battery)

	// All four resources plus the default init code image are reachable.
	for _, rid := range []string{
		"karnal://device/console",
		"karnal://device/null",
		"karnal://boot/initrd",
		"karnal://power/battery",
		"karnal://boot/init",
	} {
		_, err := res.Lookup(rid)
		assert.NoError(t, err, rid)
	}
}

func TestSeedUnknownProvider(t *testing.T) {
	res := kresource.NewManager(&id.Counter{}, nil, nil)

	_, err := Seed(res, []string{"karnal://device/flux-capacitor"}, Options{})
	assert.True(t, kerror.Is(err, kerror.InvalidArgument))
}

func TestSeedCustomImages(t *testing.T) {
	res := kresource.NewManager(&id.Counter{}, nil, nil)

	_, err := Seed(res, []string{"karnal://boot/initrd"}, Options{
		Images: []initrd.Image{initrd.BootImage("init"), initrd.BootImage("shell")},
	})
	require.NoError(t, err)

	h, err := res.Acquire(1, "karnal://boot/shell", kresource.ModeRead)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := res.ReadAt(1, h, buf)
	require.NoError(t, err)
	assert.Equal(t, "shell", string(buf[:n]))
}
