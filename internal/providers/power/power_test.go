package power

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karnal-os/karnal64/internal/kerror"
)

func TestReadSnapshot(t *testing.T) {
	p := New()
	p.Set(87, false)

	buf := make([]byte, 64)
	n, err := p.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "percent=87 charging=false", string(buf[:n]))
}

func TestControlQueries(t *testing.T) {
	p := New()
	p.Set(42, true)

	percent, err := p.Control(CtlChargePercent, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), percent)

	charging, err := p.Control(CtlChargingState, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), charging)

	p.Set(42, false)
	charging, err = p.Control(CtlChargingState, 0)
	require.NoError(t, err)
	assert.Zero(t, charging)

	_, err = p.Control(99, 0)
	assert.True(t, kerror.Is(err, kerror.NotSupported))
}

func TestSetClampsPercent(t *testing.T) {
	p := New()
	p.Set(200, true)

	percent, err := p.Control(CtlChargePercent, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), percent)
}

func TestWriteRejected(t *testing.T) {
	p := New()
	_, err := p.Write([]byte("x"), 0)
	assert.True(t, kerror.Is(err, kerror.NotSupported))
}
