// Package pgroup provides the process-group layer used to bootstrap
// communicators: it tells each participant its rank and the group size, and
// exchanges small blobs (transport addresses) between all participants.
package pgroup

import (
	"context"
	"errors"
)

var (
	// ErrClosed indicates the group has been closed.
	ErrClosed = errors.New("pgroup: closed")
	// ErrInvalidRank indicates a rank outside [0, size).
	ErrInvalidRank = errors.New("pgroup: invalid rank")
)

// Group is one participant's view of a fixed-size process group.
type Group interface {
	// Join blocks until every rank of the group is present.
	Join(ctx context.Context) error
	Rank() int
	Size() int
	// LocalRank is the participant's index among ranks sharing its host.
	LocalRank() int
	// AllGather contributes data and returns every rank's contribution,
	// indexed by rank. All ranks must call it the same number of times.
	AllGather(ctx context.Context, data []byte) ([][]byte, error)
	Barrier(ctx context.Context) error
	Close() error
}
