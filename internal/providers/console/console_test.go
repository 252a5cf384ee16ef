package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karnal-os/karnal64/internal/kerror"
	"github.com/karnal-os/karnal64/internal/kresource"
	"github.com/karnal-os/karnal64/internal/shared/id"
)

func TestWriteStreamsToSink(t *testing.T) {
	var sink bytes.Buffer
	res := kresource.NewManager(&id.Counter{}, nil, nil)

	_, err := res.RegisterProvider(0, ResourceID, New(&sink))
	require.NoError(t, err)

	h, err := res.Acquire(1, ResourceID, kresource.ModeWrite)
	require.NoError(t, err)

	n, err := res.WriteAt(1, h, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "hi", sink.String())

	// A write handle never reads, regardless of provider behavior.
	_, err = res.ReadAt(1, h, make([]byte, 2))
	assert.True(t, kerror.Is(err, kerror.PermissionDenied))
}

func TestReadModeAcquireRejected(t *testing.T) {
	res := kresource.NewManager(&id.Counter{}, nil, nil)
	_, err := res.RegisterProvider(0, ResourceID, New(nil))
	require.NoError(t, err)

	_, err = res.Acquire(1, ResourceID, kresource.ModeRead)
	assert.True(t, kerror.Is(err, kerror.PermissionDenied))
}

func TestProviderReadNotSupported(t *testing.T) {
	p := New(new(bytes.Buffer))
	_, err := p.Read(make([]byte, 1), 0)
	assert.True(t, kerror.Is(err, kerror.NotSupported))
}

func TestControlCommands(t *testing.T) {
	var sink bytes.Buffer
	p := New(&sink)

	_, err := p.Control(CtlClearScreen, 0)
	require.NoError(t, err)
	assert.Contains(t, sink.String(), "\x1b[2J")

	sink.Reset()
	_, err = p.Control(CtlSetCursorPos, 4<<32|9)
	require.NoError(t, err)
	assert.Equal(t, "\x1b[5;10H", sink.String())

	_, err = p.Control(99, 0)
	assert.True(t, kerror.Is(err, kerror.NotSupported))
}

func TestBytesWrittenCounter(t *testing.T) {
	var sink bytes.Buffer
	p := New(&sink)

	_, err := p.Write([]byte("boot"), 0)
	require.NoError(t, err)

	v, err := p.Control(CtlBytesWritten, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
}
