package device

import (
	"testing"

	"github.com/rdrr/loader/fs/rdrr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AcquireRelease(t *testing.T) {
	p := NewPool()

	h, err := p.Acquire(1024, rdrr.DtypeF32, "embed")
	require.NoError(t, err)

	dt, err := p.DtypeOf(h)
	require.NoError(t, err)
	assert.Equal(t, rdrr.DtypeF32, dt)

	live, bytes := p.Stats()
	assert.Equal(t, 1, live)
	assert.Equal(t, uint64(1024), bytes)

	require.NoError(t, p.Release(h))
	live, _ = p.Stats()
	assert.Equal(t, 0, live)
}

func TestPool_ReusesFreedBuffer(t *testing.T) {
	p := NewPool()

	h1, err := p.Acquire(512, rdrr.DtypeF16, "l0")
	require.NoError(t, err)
	require.NoError(t, p.Release(h1))

	h2, err := p.Acquire(256, rdrr.DtypeF16, "l1")
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestPool_DtypeOfUnknownHandle(t *testing.T) {
	p := NewPool()
	_, err := p.DtypeOf(Handle{})
	assert.Error(t, err)
}

func TestPool_Retag(t *testing.T) {
	p := NewPool()
	h, err := p.Acquire(64, rdrr.DtypeF32, "scratch")
	require.NoError(t, err)

	require.NoError(t, p.Retag(h, rdrr.DtypeF16))
	dt, err := p.DtypeOf(h)
	require.NoError(t, err)
	assert.Equal(t, rdrr.DtypeF16, dt)
}

func TestPool_WriteRead(t *testing.T) {
	p := NewPool()
	h, err := p.Acquire(4, rdrr.DtypeF32, "x")
	require.NoError(t, err)

	require.NoError(t, p.Write(h, []byte{1, 2, 3, 4}))
	got, err := p.Read(h)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestPool_ReleaseAllClearsStats(t *testing.T) {
	p := NewPool()
	_, err := p.Acquire(64, rdrr.DtypeF32, "a")
	require.NoError(t, err)
	_, err = p.Acquire(64, rdrr.DtypeF32, "b")
	require.NoError(t, err)

	p.ReleaseAll()
	live, bytes := p.Stats()
	assert.Equal(t, 0, live)
	assert.Equal(t, uint64(0), bytes)
}
