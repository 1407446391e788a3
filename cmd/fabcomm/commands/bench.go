package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/fabcomm/comm"
)

const benchTag = 2

type benchFlags struct {
	bytes  int
	iters  int
	window int
}

// benchResult is one rank's measurement.
type benchResult struct {
	rank    int
	elapsed time.Duration
	stats   comm.Stats
	cache   *comm.CacheStats
}

func newBenchCmd(s *session) *cobra.Command {
	var f benchFlags
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure ring exchange throughput",
		Long: `bench has every rank send to rank+1 and receive from rank-1, keeping
window transfers in flight, and reports per-rank throughput and transfer
statistics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.bytes < 0 || f.iters <= 0 || f.window <= 0 {
				return errors.New("bench: bytes must be >= 0, iters and window > 0")
			}
			var (
				mu      sync.Mutex
				results []benchResult
			)
			err := s.runRanks(cmd.Context(), func(ctx context.Context, c comm.Communicator) error {
				res, err := ring(ctx, c, f, s.logger)
				if err != nil {
					return err
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				return nil
			})
			if err != nil {
				return err
			}
			report(cmd.OutOrStdout(), f, results)
			return nil
		},
	}
	cmd.Flags().IntVar(&f.bytes, "bytes", 1<<20, "bytes per transfer")
	cmd.Flags().IntVar(&f.iters, "iters", 20, "transfers per rank")
	cmd.Flags().IntVar(&f.window, "window", 4, "transfers in flight per rank")
	return cmd
}

func ring(ctx context.Context, c comm.Communicator, f benchFlags, logger *zap.Logger) (benchResult, error) {
	id := c.Identity()
	next := (id.Rank + 1) % id.Size
	prev := (id.Rank + id.Size - 1) % id.Size
	payload := make([]byte, f.bytes)
	for i := range payload {
		payload[i] = byte(id.Rank + i)
	}
	recvBufs := make([][]byte, f.window)
	for i := range recvBufs {
		recvBufs[i] = make([]byte, f.bytes)
	}

	start := time.Now()
	for done := 0; done < f.iters; {
		if err := ctx.Err(); err != nil {
			return benchResult{}, err
		}
		n := min(f.window, f.iters-done)
		handles := make([]*comm.Handle, 0, 2*n)
		for i := 0; i < n; i++ {
			r, err := c.Recv(recvBufs[i], f.bytes, 1, prev, benchTag+i)
			if err != nil {
				return benchResult{}, err
			}
			s, err := c.Send(payload, f.bytes, 1, next, benchTag+i)
			if err != nil {
				return benchResult{}, err
			}
			handles = append(handles, r, s)
		}
		if err := c.WaitAll(handles); err != nil {
			return benchResult{}, err
		}
		done += n
	}
	res := benchResult{rank: id.Rank, elapsed: time.Since(start)}
	switch v := c.(type) {
	case *comm.Buffered:
		res.stats = v.Stats()
		cs := v.CacheStats()
		res.cache = &cs
	case *comm.Direct:
		res.stats = v.Stats()
	}
	logger.Debug("ring finished", zap.Int("rank", id.Rank), zap.Duration("elapsed", res.elapsed))
	return res, nil
}

func report(out io.Writer, f benchFlags, results []benchResult) {
	slices.SortFunc(results, func(a, b benchResult) int { return a.rank - b.rank })
	for _, res := range results {
		mib := float64(f.bytes) * float64(f.iters) / (1 << 20)
		rate := mib / res.elapsed.Seconds()
		fmt.Fprintf(out, "rank %d: %d x %d bytes in %s (%.1f MiB/s) posted=%d completed=%d failed=%d",
			res.rank, f.iters, f.bytes, res.elapsed.Round(time.Microsecond), rate,
			res.stats.TransfersPosted, res.stats.TransfersCompleted, res.stats.TransfersFailed)
		if res.cache != nil {
			fmt.Fprintf(out, " batches=%d cache_hits=%d adhoc=%d", res.stats.BatchesPosted, res.stats.CacheHits, res.stats.AdhocAllocations)
		}
		fmt.Fprintln(out)
	}
}
