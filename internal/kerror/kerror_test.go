package kerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrnoCodes(t *testing.T) {
	cases := []struct {
		err  KError
		code int64
	}{
		{PermissionDenied, -1},
		{NotFound, -2},
		{InvalidArgument, -3},
		{Interrupted, -4},
		{BadHandle, -9},
		{Busy, -11},
		{OutOfMemory, -12},
		{BadAddress, -14},
		{AlreadyExists, -17},
		{NotSupported, -38},
		{NoMessage, -61},
		{Internal, -255},
	}

	for _, c := range cases {
		assert.Equal(t, c.code, Errno(c.err), c.err.Error())
	}
}

func TestErrnoNil(t *testing.T) {
	assert.Equal(t, int64(0), Errno(nil))
}

func TestErrnoUnknownMapsToInternal(t *testing.T) {
	assert.Equal(t, int64(Internal), Errno(errors.New("stray failure")))
}

func TestWrapKeepsCode(t *testing.T) {
	err := Wrap(BadHandle, "release handle %d", 42)

	assert.True(t, errors.Is(err, BadHandle))
	assert.Equal(t, int64(-9), Errno(err))
	assert.Contains(t, err.Error(), "release handle 42")
}

func TestWrapSurvivesFurtherWrapping(t *testing.T) {
	inner := Wrap(OutOfMemory, "frame pool exhausted")
	outer := fmt.Errorf("spawn: %w", inner)

	assert.True(t, Is(outer, OutOfMemory))
	assert.Equal(t, int64(-12), Errno(outer))
}
