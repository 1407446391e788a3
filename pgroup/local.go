package pgroup

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// LocalOptions configures an in-process cluster.
type LocalOptions struct {
	// RanksPerHost groups consecutive ranks onto simulated hosts for
	// LocalRank. Zero places every rank on one host.
	RanksPerHost int
}

// LocalCluster is an in-process group whose members run as goroutines.
type LocalCluster struct {
	size    int
	perHost int

	mu     sync.Mutex
	rounds map[int]*gatherRound
}

type gatherRound struct {
	data    [][]byte
	arrived int
	readers int
	done    chan struct{}
}

// NewLocalCluster creates a cluster of size ranks.
func NewLocalCluster(size int, opts LocalOptions) (*LocalCluster, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pgroup: cluster size must be positive, got %d", size)
	}
	perHost := opts.RanksPerHost
	if perHost <= 0 {
		perHost = size
	}
	return &LocalCluster{size: size, perHost: perHost, rounds: make(map[int]*gatherRound)}, nil
}

// Member returns the Group handle for rank.
func (c *LocalCluster) Member(rank int) (*Local, error) {
	if rank < 0 || rank >= c.size {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidRank, rank, c.size)
	}
	return &Local{cluster: c, rank: rank}, nil
}

var _ Group = (*Local)(nil)

// Local is one member of a LocalCluster.
type Local struct {
	cluster *LocalCluster
	rank    int
	round   int
	closed  bool
}

func (l *Local) Join(ctx context.Context) error {
	return l.Barrier(ctx)
}

func (l *Local) Rank() int      { return l.rank }
func (l *Local) Size() int      { return l.cluster.size }
func (l *Local) LocalRank() int { return l.rank % l.cluster.perHost }

func (l *Local) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	if l.closed {
		return nil, ErrClosed
	}
	c := l.cluster
	id := l.round
	l.round++

	c.mu.Lock()
	r, ok := c.rounds[id]
	if !ok {
		r = &gatherRound{data: make([][]byte, c.size), done: make(chan struct{})}
		c.rounds[id] = r
	}
	r.data[l.rank] = bytes.Clone(data)
	r.arrived++
	if r.arrived == c.size {
		close(r.done)
	}
	c.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out := make([][]byte, c.size)
	c.mu.Lock()
	for i, d := range r.data {
		out[i] = bytes.Clone(d)
	}
	r.readers++
	if r.readers == c.size {
		delete(c.rounds, id)
	}
	c.mu.Unlock()
	return out, nil
}

func (l *Local) Barrier(ctx context.Context) error {
	_, err := l.AllGather(ctx, nil)
	return err
}

func (l *Local) Close() error {
	l.closed = true
	return nil
}

// RunLocal runs fn once per rank of a fresh LocalCluster, each on its own
// goroutine, and returns the first error. The group passed to fn is closed
// when fn returns.
func RunLocal(ctx context.Context, size int, opts LocalOptions, fn func(ctx context.Context, g Group) error) error {
	cluster, err := NewLocalCluster(size, opts)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		member, err := cluster.Member(rank)
		if err != nil {
			return err
		}
		eg.Go(func() error {
			defer member.Close()
			if err := fn(ctx, member); err != nil {
				return fmt.Errorf("rank %d: %w", member.Rank(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}
