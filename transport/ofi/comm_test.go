//go:build cgo

package ofi_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/fabcomm/comm"
	"github.com/rocketbitz/fabcomm/device"
	"github.com/rocketbitz/fabcomm/pgroup"
	"github.com/rocketbitz/fabcomm/transport/ofi"
)

// TestBufferedOverSockets runs a warmed-up buffered ring exchange on real
// libfabric endpoints, with a transfer large enough to span cached and ad
// hoc staging buffers.
func TestBufferedOverSockets(t *testing.T) {
	provider := ofi.New(ofi.Options{})
	probe, err := provider.Open()
	if err != nil {
		t.Skipf("libfabric sockets provider unavailable: %v", err)
	}
	require.NoError(t, probe.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	const size = 3
	err = pgroup.RunLocal(ctx, size, pgroup.LocalOptions{}, func(ctx context.Context, g pgroup.Group) error {
		b := comm.NewBuffered(comm.Options{
			Group:    g,
			Provider: provider,
			Runtime:  device.NewHost(device.HostOptions{Devices: 1}),
		})
		if err := b.Init(ctx); err != nil {
			return err
		}
		defer b.Finalize()
		if err := b.SetupCache(2, 512); err != nil {
			return err
		}
		if err := b.WarmupCache(ctx); err != nil {
			return err
		}

		rank := b.Identity().Rank
		next, prev := (rank+1)%size, (rank+size-1)%size
		payload := bytes.Repeat([]byte{byte(rank + 1)}, 3000)
		got := make([]byte, len(payload))
		r, err := b.Recv(got, len(got), 1, prev, 11)
		if err != nil {
			return err
		}
		s, err := b.Send(payload, len(payload), 1, next, 11)
		if err != nil {
			return err
		}
		if err := b.WaitAll([]*comm.Handle{r, s}); err != nil {
			return err
		}
		if !bytes.Equal(got, bytes.Repeat([]byte{byte(prev + 1)}, 3000)) {
			return fmt.Errorf("rank %d received corrupted ring payload", rank)
		}

		var out comm.Received
		u, err := b.RecvUnknown(&out, 1, prev, 12)
		if err != nil {
			return err
		}
		s, err = b.Send(payload[:700], 700, 1, next, 12)
		if err != nil {
			return err
		}
		if err := b.WaitAll([]*comm.Handle{u, s}); err != nil {
			return err
		}
		if out.Count != 700 {
			return fmt.Errorf("unknown-size receive got %d elements", out.Count)
		}
		if err := b.Free(out.Data); err != nil {
			return err
		}

		// Keep endpoints open until every rank has drained its traffic.
		return g.Barrier(ctx)
	})
	require.NoError(t, err)
}
