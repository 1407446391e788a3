package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostDeviceSelection(t *testing.T) {
	h := NewHost(HostOptions{Devices: 2})
	count, err := h.DeviceCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, -1, h.Device())

	_, err = h.Alloc(8)
	assert.ErrorIs(t, err, ErrNotInitialized)

	assert.ErrorIs(t, h.SetDevice(2), ErrNoDevice)
	require.NoError(t, h.SetDevice(1))
	assert.Equal(t, 1, h.Device())
}

func TestHostPoolAccounting(t *testing.T) {
	h := NewHost(HostOptions{MemoryPerDevice: 1024})
	require.NoError(t, h.SetDevice(0))
	assert.ErrorIs(t, h.EnablePool(2048), ErrOutOfMemory)
	require.NoError(t, h.EnablePool(256))

	a, err := h.Alloc(200)
	require.NoError(t, err)
	_, err = h.Alloc(100)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	require.NoError(t, h.Free(a))
	b, err := h.Alloc(256)
	require.NoError(t, err)

	count, bytes := h.Outstanding()
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(256), bytes)

	require.NoError(t, h.Free(b))
	assert.ErrorIs(t, h.Free(b), ErrUnknownBuffer)
	assert.ErrorIs(t, h.Free(make([]byte, 4)), ErrUnknownBuffer)
}

func TestHostZeroAlloc(t *testing.T) {
	h := NewHost(HostOptions{})
	require.NoError(t, h.SetDevice(0))
	buf, err := h.Alloc(0)
	require.NoError(t, err)
	assert.NotNil(t, buf)
	assert.Empty(t, buf)
	assert.NoError(t, h.Free(buf))
}

func TestHostStreamOrdering(t *testing.T) {
	h := NewHost(HostOptions{QueueDepth: 2})
	require.NoError(t, h.SetDevice(0))
	s, err := h.NewStream()
	require.NoError(t, err)

	dst := make([]byte, 4)
	events := make([]Event, 0, 8)
	for i := 0; i < 8; i++ {
		events = append(events, s.CopyAsync(dst, []byte{byte(i), byte(i), byte(i), byte(i)}))
	}
	require.NoError(t, s.Synchronize())
	for _, ev := range events {
		assert.True(t, ev.Done())
		assert.NoError(t, ev.Wait())
	}
	assert.Equal(t, []byte{7, 7, 7, 7}, dst)

	short := s.CopyAsync(make([]byte, 1), []byte{1, 2})
	assert.Error(t, short.Wait())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.CopyAsync(dst, dst).Wait(), ErrStreamClosed)
	assert.NoError(t, s.Synchronize())
	assert.NoError(t, s.Close())
}
