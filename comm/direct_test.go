package comm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/fabcomm/device"
	"github.com/rocketbitz/fabcomm/pgroup"
	"github.com/rocketbitz/fabcomm/transport"
	"github.com/rocketbitz/fabcomm/transport/loopback"
)

func TestDirectIdentity(t *testing.T) {
	const size = 4
	ids := make([]Identity, size)
	runCluster(t, clusterConfig{size: size, variant: VariantDirect}, func(ctx context.Context, c Communicator) error {
		id := c.Identity()
		ids[id.Rank] = id
		return nil
	})
	for rank, id := range ids {
		assert.Equal(t, rank, id.Rank)
		assert.Equal(t, size, id.Size)
		assert.Equal(t, 2, id.DeviceCount)
		assert.Equal(t, id.LocalRank%2, id.Device)
	}
}

func TestDirectLifecycle(t *testing.T) {
	cluster, err := pgroup.NewLocalCluster(1, pgroup.LocalOptions{})
	require.NoError(t, err)
	g, err := cluster.Member(0)
	require.NoError(t, err)
	fabric := loopback.New(loopback.Options{})

	d := NewDirect(Options{Group: g, Provider: fabric})
	_, err = d.Send([]byte{1}, 1, 1, 0, 0)
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, d.Wait(&Handle{}), ErrNotInitialized)

	ctx := context.Background()
	require.NoError(t, d.Init(ctx))
	require.ErrorIs(t, d.Init(ctx), ErrAlreadyInitialized)

	require.NoError(t, d.Finalize())
	require.ErrorIs(t, d.Finalize(), ErrFinalized)
	_, err = d.Recv(make([]byte, 1), 1, 1, 0, 0)
	require.ErrorIs(t, err, ErrFinalized)
	require.ErrorIs(t, d.Init(ctx), ErrFinalized)
}

func TestDirectBootstrapFailure(t *testing.T) {
	cluster, err := pgroup.NewLocalCluster(1, pgroup.LocalOptions{})
	require.NoError(t, err)
	g, err := cluster.Member(0)
	require.NoError(t, err)

	d := NewDirect(Options{Group: g})
	err = d.Init(context.Background())
	require.ErrorIs(t, err, ErrBootstrap)

	_, err = d.Send([]byte{1}, 1, 1, 0, 0)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestDirectRingExchange(t *testing.T) {
	const size, count, tags = 4, 257, 3
	runCluster(t, clusterConfig{size: size, variant: VariantDirect}, func(ctx context.Context, c Communicator) error {
		id := c.Identity()
		next, prev := (id.Rank+1)%size, (id.Rank+size-1)%size

		var hs []*Handle
		recvBufs := make([][]byte, tags)
		for tag := 0; tag < tags; tag++ {
			recvBufs[tag] = make([]byte, count*4)
			h, err := c.Recv(recvBufs[tag], count, 4, prev, tag)
			if err != nil {
				return err
			}
			hs = append(hs, h)
		}
		for tag := tags - 1; tag >= 0; tag-- {
			h, err := c.Send(int32Payload(count, int32(id.Rank*100+tag)), count, 4, next, tag)
			if err != nil {
				return err
			}
			hs = append(hs, h)
		}
		if err := c.WaitAll(hs); err != nil {
			return err
		}
		for tag, got := range recvBufs {
			if !bytes.Equal(got, int32Payload(count, int32(prev*100+tag))) {
				return fmt.Errorf("tag %d: payload from rank %d mismatched", tag, prev)
			}
		}
		return nil
	})
}

func TestDirectRecvUnknown(t *testing.T) {
	host := map[int]*device.Host{}
	for rank := 0; rank < 2; rank++ {
		host[rank] = device.NewHost(device.HostOptions{Devices: 1})
	}
	runCluster(t, clusterConfig{
		size:    2,
		variant: VariantDirect,
		options: func(rank int) Options { return Options{Runtime: host[rank]} },
	}, func(ctx context.Context, c Communicator) error {
		payload := int32Payload(37, 11)
		if c.Identity().Rank == 0 {
			h, err := c.Send(payload, 37, 4, 1, 9)
			if err != nil {
				return err
			}
			return c.Wait(h)
		}
		var out Received
		h, err := c.RecvUnknown(&out, 4, 0, 9)
		if err != nil {
			return err
		}
		if err := c.Wait(h); err != nil {
			return err
		}
		if out.Count != 37 || !bytes.Equal(out.Data, payload) {
			return fmt.Errorf("received %d elements", out.Count)
		}
		return c.Free(out.Data)
	})
	for rank, h := range host {
		n, _ := h.Outstanding()
		assert.Zero(t, n, "rank %d leaked device memory", rank)
	}
}

func TestDirectSendFailureSurfacesOnWait(t *testing.T) {
	boom := errors.New("link down")
	fabric := loopback.New(loopback.Options{Fault: func(tag transport.Tag) error {
		if user, _ := DecodeTag(tag); user == 5 {
			return boom
		}
		return nil
	}})
	runCluster(t, clusterConfig{size: 1, variant: VariantDirect, fabric: fabric}, func(ctx context.Context, c Communicator) error {
		h, err := c.Send([]byte("doomed"), 6, 1, 0, 5)
		if err != nil {
			return err
		}
		err = c.Wait(h)
		var opErr *transport.OperationError
		if !errors.As(err, &opErr) || !errors.Is(err, boom) {
			return fmt.Errorf("unexpected wait error: %v", err)
		}
		if !h.Done() || !errors.Is(h.Err(), boom) {
			return fmt.Errorf("handle not marked failed")
		}
		return nil
	})
}

func TestDirectWaitTwiceIsNoop(t *testing.T) {
	runCluster(t, clusterConfig{size: 1, variant: VariantDirect}, func(ctx context.Context, c Communicator) error {
		d := c.(*Direct)
		buf := make([]byte, 16)
		r, err := d.Recv(buf, 16, 1, 0, 1)
		if err != nil {
			return err
		}
		s, err := d.Send(bytes.Repeat([]byte{7}, 16), 16, 1, 0, 1)
		if err != nil {
			return err
		}
		hs := []*Handle{r, s}
		if err := d.WaitAll(hs); err != nil {
			return err
		}
		if d.PendingRecords() != 0 {
			return fmt.Errorf("%d records left after wait", d.PendingRecords())
		}
		if err := d.WaitAll(hs); err != nil {
			return err
		}
		if err := d.Wait(nil); err != nil {
			return err
		}
		if err := d.WaitAll(nil); err != nil {
			return err
		}
		st := d.Stats()
		if st.TransfersPosted != 2 || st.TransfersCompleted != 2 {
			return fmt.Errorf("unexpected stats %+v", st)
		}
		return nil
	})
}

func TestDirectRejectsForeignHandle(t *testing.T) {
	runCluster(t, clusterConfig{size: 1, variant: VariantDirect}, func(ctx context.Context, c Communicator) error {
		foreign := &Handle{owner: &arena{}, ids: []recordID{{index: 0, gen: 1}}}
		if err := c.Wait(foreign); !errors.Is(err, ErrForeignHandle) {
			return fmt.Errorf("expected foreign handle error, got %v", err)
		}
		return nil
	})
}

func TestDirectValidation(t *testing.T) {
	runCluster(t, clusterConfig{size: 2, variant: VariantDirect}, func(ctx context.Context, c Communicator) error {
		if _, err := c.Send(make([]byte, 4), 1, 4, 2, 0); !errors.Is(err, ErrInvalidRank) {
			return fmt.Errorf("rank: %v", err)
		}
		if _, err := c.Recv(make([]byte, 4), 1, 4, 0, MaxTag+1); !errors.Is(err, ErrInvalidTag) {
			return fmt.Errorf("tag: %v", err)
		}
		if _, err := c.Send(make([]byte, 3), 1, 4, 0, 0); !errors.Is(err, ErrShortBuffer) {
			return fmt.Errorf("short: %v", err)
		}
		if _, err := c.RecvUnknown(&Received{}, 0, 0, 0); !errors.Is(err, ErrInvalidElementSize) {
			return fmt.Errorf("element size: %v", err)
		}
		if _, err := c.RecvUnknown(nil, 4, 0, 0); err == nil {
			return errors.New("nil Received accepted")
		}
		return nil
	})
}

// Ranks that finalize right after Init must not pull the worker out from
// under peers still connecting.
func TestDirectInitThenImmediateFinalize(t *testing.T) {
	const size, rounds = 4, 25
	fabric := loopback.New(loopback.Options{})
	for round := 0; round < rounds; round++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := pgroup.RunLocal(ctx, size, pgroup.LocalOptions{}, func(ctx context.Context, g pgroup.Group) error {
			d := NewDirect(Options{
				Group:    g,
				Provider: fabric,
				Runtime:  device.NewHost(device.HostOptions{Devices: 1}),
			})
			if err := d.Init(ctx); err != nil {
				return fmt.Errorf("rank %d: %w", g.Rank(), err)
			}
			return d.Finalize()
		})
		cancel()
		require.NoError(t, err, "round %d", round)
	}
}
