//go:build cgo

package ofi

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rocketbitz/fabcomm/transport"
)

type pair struct {
	a, b     transport.Worker
	aToB     transport.Endpoint
	bToA     transport.Endpoint
	provider *Provider
}

func openWorker(t *testing.T, p *Provider) transport.Worker {
	t.Helper()
	w, err := p.Open()
	if err != nil {
		t.Skipf("libfabric %s provider unavailable: %v", DefaultProvider, err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func openPair(t *testing.T) *pair {
	t.Helper()
	p := New(Options{Logger: zaptest.NewLogger(t)})
	a := openWorker(t, p)
	b := openWorker(t, p)
	aToB, err := a.Connect(b.Address())
	require.NoError(t, err)
	bToA, err := b.Connect(a.Address())
	require.NoError(t, err)
	return &pair{a: a, b: b, aToB: aToB, bToA: bToA, provider: p}
}

// await progresses both workers until every request finishes.
func (p *pair) await(t *testing.T, reqs ...transport.Request) []error {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	errs := make([]error, len(reqs))
	for {
		p.a.Progress()
		p.b.Progress()
		pending := 0
		for i, r := range reqs {
			done, err := r.Test()
			if !done {
				pending++
				continue
			}
			errs[i] = err
		}
		if pending == 0 {
			return errs
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d requests still pending", pending)
		}
	}
}

func TestProviderName(t *testing.T) {
	assert.Equal(t, "ofi/sockets", New(Options{}).Name())
	assert.Equal(t, "ofi/tcp", New(Options{Provider: "tcp"}).Name())
}

func TestTaggedRoundTripStaged(t *testing.T) {
	p := openPair(t)
	payload := []byte("staged through C memory")
	got := make([]byte, len(payload))

	recv, err := p.b.TagRecv(p.bToA, got, 0xabc)
	require.NoError(t, err)
	send, err := p.a.TagSend(p.aToB, payload, 0xabc)
	require.NoError(t, err)
	payload[0] = 'X'

	for _, err := range p.await(t, recv, send) {
		require.NoError(t, err)
	}
	assert.Equal(t, "staged through C memory", string(got), "sends copy at post time")
	assert.Equal(t, len(got), recv.Length())
}

func TestTaggedRoundTripRegions(t *testing.T) {
	p := openPair(t)
	src, err := p.a.Alloc(256)
	require.NoError(t, err)
	dst, err := p.b.Alloc(256)
	require.NoError(t, err)
	defer src.Close()
	defer dst.Close()
	for i := range src.Bytes() {
		src.Bytes()[i] = byte(i)
	}

	recv, err := p.b.TagRecv(p.bToA, dst.Bytes()[:128], transport.Tag(1)<<32|3)
	require.NoError(t, err)
	send, err := p.a.TagSend(p.aToB, src.Bytes()[64:192], transport.Tag(1)<<32|3)
	require.NoError(t, err)
	for _, err := range p.await(t, recv, send) {
		require.NoError(t, err)
	}
	assert.True(t, bytes.Equal(src.Bytes()[64:192], dst.Bytes()[:128]))
}

func TestTagsDoNotCrossMatch(t *testing.T) {
	p := openPair(t)
	first := make([]byte, 1)
	second := make([]byte, 1)
	r2, err := p.b.TagRecv(p.bToA, second, 2)
	require.NoError(t, err)
	r1, err := p.b.TagRecv(p.bToA, first, 1)
	require.NoError(t, err)
	s1, err := p.a.TagSend(p.aToB, []byte{1}, 1)
	require.NoError(t, err)
	s2, err := p.a.TagSend(p.aToB, []byte{2}, 2)
	require.NoError(t, err)
	for _, err := range p.await(t, r1, r2, s1, s2) {
		require.NoError(t, err)
	}
	assert.Equal(t, byte(1), first[0])
	assert.Equal(t, byte(2), second[0])
}

func TestProbe(t *testing.T) {
	p := openPair(t)

	_, found, err := p.b.Probe(p.bToA, 42)
	require.NoError(t, err)
	assert.False(t, found)

	send, err := p.a.TagSend(p.aToB, make([]byte, 100), 42)
	require.NoError(t, err)

	var msg transport.Message
	deadline := time.Now().Add(10 * time.Second)
	for !found {
		require.True(t, time.Now().Before(deadline), "probe never matched")
		p.a.Progress()
		msg, found, err = p.b.Probe(p.bToA, 42)
		require.NoError(t, err)
	}
	assert.Equal(t, 100, msg.Length)
	assert.Equal(t, transport.Tag(42), msg.Tag)

	recv, err := p.b.TagRecv(p.bToA, make([]byte, msg.Length), 42)
	require.NoError(t, err)
	for _, err := range p.await(t, recv, send) {
		require.NoError(t, err)
	}
	assert.Equal(t, 100, recv.Length())
}

func TestTruncatedReceive(t *testing.T) {
	p := openPair(t)
	recv, err := p.b.TagRecv(p.bToA, make([]byte, 8), 5)
	require.NoError(t, err)
	send, err := p.a.TagSend(p.aToB, make([]byte, 64), 5)
	require.NoError(t, err)

	errs := p.await(t, recv, send)
	var opErr *transport.OperationError
	require.True(t, errors.As(errs[0], &opErr), "got %v", errs[0])
	assert.Equal(t, "recv", opErr.Op)
	assert.ErrorIs(t, errs[0], transport.ErrTruncated)
}

func TestForeignEndpointRejected(t *testing.T) {
	p := openPair(t)
	_, err := p.a.TagSend(p.bToA, []byte{1}, 1)
	assert.ErrorIs(t, err, transport.ErrUnknownEndpoint)

	require.NoError(t, p.aToB.Close())
	_, err = p.a.TagSend(p.aToB, []byte{1}, 1)
	assert.ErrorIs(t, err, transport.ErrUnknownEndpoint)
}

func TestCloseFailsPendingAndRejectsWork(t *testing.T) {
	p := New(Options{})
	w := openWorker(t, p)
	self, err := w.Connect(w.Address())
	require.NoError(t, err)
	region, err := w.Alloc(32)
	require.NoError(t, err)
	recv, err := w.TagRecv(self, make([]byte, 4), 9)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	done, err := recv.Test()
	assert.True(t, done)
	assert.ErrorIs(t, err, transport.ErrClosed)

	_, err = w.Alloc(8)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, region.Close(), transport.ErrClosed, "worker close releases regions")
	assert.Zero(t, w.Progress())
	assert.NoError(t, w.Close())
}

func TestDiscover(t *testing.T) {
	descs, err := Discover("")
	require.NoError(t, err)
	if len(descs) == 0 {
		t.Skip("no tagged RDM provider available")
	}
	for _, d := range descs {
		assert.NotEmpty(t, d.Provider)
		assert.True(t, d.Tagged)
		assert.Equal(t, "rdm", d.Endpoint)
	}
	assert.NotEmpty(t, RuntimeVersion())
}
