package loopback

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/fabcomm/transport"
)

func openPair(t *testing.T, opts Options) (*Fabric, transport.Worker, transport.Worker, transport.Endpoint, transport.Endpoint) {
	t.Helper()
	f := New(opts)
	a, err := f.Open()
	require.NoError(t, err)
	b, err := f.Open()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	aToB, err := a.Connect(b.Address())
	require.NoError(t, err)
	bFromA, err := b.Connect(a.Address())
	require.NoError(t, err)
	return f, a, b, aToB, bFromA
}

func TestSendRecvPostedFirst(t *testing.T) {
	_, a, b, aToB, bFromA := openPair(t, Options{})

	out := make([]byte, 5)
	recv, err := b.TagRecv(bFromA, out, 7)
	require.NoError(t, err)
	send, err := a.TagSend(aToB, []byte("hello"), 7)
	require.NoError(t, err)

	done, err := recv.Test()
	require.NoError(t, err)
	assert.False(t, done, "nothing is delivered before progress")

	assert.Equal(t, 1, a.Progress())
	done, err = send.Test()
	require.NoError(t, err)
	assert.True(t, done)
	done, err = recv.Test()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 5, recv.Length())
	assert.Equal(t, "hello", string(out))
}

func TestUnexpectedMessageProbeThenRecv(t *testing.T) {
	_, a, b, aToB, bFromA := openPair(t, Options{})

	_, err := a.TagSend(aToB, []byte("abcdef"), 3)
	require.NoError(t, err)
	a.Progress()

	_, found, err := b.Probe(bFromA, 4)
	require.NoError(t, err)
	assert.False(t, found, "tag must match exactly")

	msg, found, err := b.Probe(bFromA, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 6, msg.Length)

	out := make([]byte, msg.Length)
	recv, err := b.TagRecv(bFromA, out, 3)
	require.NoError(t, err)
	done, err := recv.Test()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "abcdef", string(out))

	_, found, err = b.Probe(bFromA, 3)
	require.NoError(t, err)
	assert.False(t, found, "receive consumes the message")
}

func TestSendBufferReadAtDelivery(t *testing.T) {
	_, a, b, aToB, bFromA := openPair(t, Options{})

	buf := []byte("first")
	_, err := a.TagSend(aToB, buf, 1)
	require.NoError(t, err)
	copy(buf, "later")
	a.Progress()

	out := make([]byte, 5)
	recv, err := b.TagRecv(bFromA, out, 1)
	require.NoError(t, err)
	done, _ := recv.Test()
	require.True(t, done)
	assert.Equal(t, "later", string(out))
}

func TestTruncation(t *testing.T) {
	_, a, b, aToB, bFromA := openPair(t, Options{})

	recv, err := b.TagRecv(bFromA, make([]byte, 2), 9)
	require.NoError(t, err)
	_, err = a.TagSend(aToB, []byte("too long"), 9)
	require.NoError(t, err)
	a.Progress()

	done, err := recv.Test()
	assert.True(t, done)
	assert.True(t, errors.Is(err, transport.ErrTruncated))
}

func TestFaultInjection(t *testing.T) {
	boom := errors.New("boom")
	_, a, _, aToB, _ := openPair(t, Options{Fault: func(tag transport.Tag) error {
		if tag == 2 {
			return boom
		}
		return nil
	}})

	ok, err := a.TagSend(aToB, []byte("x"), 1)
	require.NoError(t, err)
	bad, err := a.TagSend(aToB, []byte("y"), 2)
	require.NoError(t, err)
	a.Progress()

	done, err := ok.Test()
	assert.True(t, done)
	assert.NoError(t, err)
	done, err = bad.Test()
	assert.True(t, done)
	var opErr *transport.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "send", opErr.Op)
	assert.ErrorIs(t, err, boom)
}

func TestReorderKeepsTagMatching(t *testing.T) {
	_, a, b, aToB, bFromA := openPair(t, Options{Reorder: true, Seed: 42})

	outs := make([][]byte, 16)
	reqs := make([]transport.Request, 16)
	for i := range outs {
		outs[i] = make([]byte, 1)
		var err error
		reqs[i], err = b.TagRecv(bFromA, outs[i], transport.Tag(i))
		require.NoError(t, err)
	}
	for i := range outs {
		_, err := a.TagSend(aToB, []byte{byte(i)}, transport.Tag(i))
		require.NoError(t, err)
	}
	assert.Equal(t, 16, a.Progress())
	for i, req := range reqs {
		done, err := req.Test()
		require.NoError(t, err)
		require.True(t, done)
		assert.Equal(t, byte(i), outs[i][0])
	}
}

func TestRegionAccounting(t *testing.T) {
	f, a, _, _, _ := openPair(t, Options{})

	r1, err := a.Alloc(64)
	require.NoError(t, err)
	r2, err := a.Alloc(32)
	require.NoError(t, err)
	assert.Len(t, r1.Bytes(), 64)
	assert.Equal(t, 2, f.LiveRegions())

	require.NoError(t, r1.Close())
	require.NoError(t, r2.Close())
	assert.ErrorIs(t, r2.Close(), transport.ErrClosed)
	assert.Equal(t, 0, f.LiveRegions())
	assert.Equal(t, 2, f.ClosedRegions())
	assert.Equal(t, 1, f.DoubleCloses())
}

func TestConnectResolvesPeerAtDelivery(t *testing.T) {
	f, a, b, aToB, _ := openPair(t, Options{})

	_, err := a.Connect(nil)
	assert.ErrorIs(t, err, transport.ErrUnknownEndpoint)

	// The peer may close between address exchange and the first send.
	nowhere, err := a.Connect([]byte("nowhere"))
	require.NoError(t, err)
	require.NoError(t, b.Close())
	lost, err := a.TagSend(aToB, []byte("x"), 1)
	require.NoError(t, err)
	stray, err := a.TagSend(nowhere, []byte("y"), 1)
	require.NoError(t, err)
	a.Progress()

	for _, req := range []transport.Request{lost, stray} {
		done, err := req.Test()
		assert.True(t, done)
		assert.ErrorIs(t, err, transport.ErrUnknownEndpoint)
	}
	assert.Zero(t, f.Delivered())
}

func TestRegionClosedWhilePosted(t *testing.T) {
	f := New(Options{})
	a, err := f.Open()
	require.NoError(t, err)
	self, err := a.Connect(a.Address())
	require.NoError(t, err)

	early, err := a.Alloc(8)
	require.NoError(t, err)
	_, err = a.TagRecv(self, early.Bytes()[4:], 1)
	require.NoError(t, err)
	require.NoError(t, early.Close())
	assert.Equal(t, 1, f.ClosedWhilePosted())

	late, err := a.Alloc(8)
	require.NoError(t, err)
	_, err = a.TagRecv(self, late.Bytes(), 2)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, late.Close())
	assert.Equal(t, 1, f.ClosedWhilePosted(), "receives are dropped when the worker closes")
}

func TestCloseFailsPendingReceives(t *testing.T) {
	f := New(Options{})
	a, err := f.Open()
	require.NoError(t, err)
	self, err := a.Connect(a.Address())
	require.NoError(t, err)
	recv, err := a.TagRecv(self, make([]byte, 1), 1)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	done, err := recv.Test()
	assert.True(t, done)
	assert.ErrorIs(t, err, transport.ErrClosed)
}
