package commands

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/fabcomm/comm"
)

const pingPongTag = 1

type pingPongFlags struct {
	count    int
	elemSize int
	iters    int
	unknown  bool
}

func newPingPongCmd(s *session) *cobra.Command {
	var f pingPongFlags
	cmd := &cobra.Command{
		Use:   "pingpong",
		Short: "Bounce a message between rank 0 and rank 1 and report round-trip times",
		Long: `pingpong sends count elements of elem-size bytes from rank 0 to rank 1,
which echoes them back. Rank 0 verifies every echo. With --unknown, rank 1
receives without knowing the element count in advance.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.count < 0 || f.elemSize <= 0 || f.iters <= 0 {
				return errors.New("pingpong: count must be >= 0, elem-size and iters > 0")
			}
			if s.cfg.Group.Size < 2 {
				return errors.New("pingpong: needs at least two ranks")
			}
			return s.runRanks(cmd.Context(), func(ctx context.Context, c comm.Communicator) error {
				return pingPong(ctx, c, f, cmd.OutOrStdout(), s.logger)
			})
		},
	}
	cmd.Flags().IntVar(&f.count, "count", 1024, "elements per message")
	cmd.Flags().IntVar(&f.elemSize, "elem-size", 4, "bytes per element")
	cmd.Flags().IntVar(&f.iters, "iters", 10, "round trips")
	cmd.Flags().BoolVar(&f.unknown, "unknown", false, "rank 1 receives with an unknown element count")
	return cmd
}

func pingPattern(size, iter int) []byte {
	buf := make([]byte, size)
	for i := 0; i+4 <= size; i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], uint32(iter<<20+i))
	}
	return buf
}

func pingPong(ctx context.Context, c comm.Communicator, f pingPongFlags, out io.Writer, logger *zap.Logger) error {
	rank := c.Identity().Rank
	size := f.count * f.elemSize
	switch rank {
	case 0:
		var total time.Duration
		for iter := 0; iter < f.iters; iter++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			payload := pingPattern(size, iter)
			echo := make([]byte, size)
			start := time.Now()
			r, err := c.Recv(echo, f.count, f.elemSize, 1, pingPongTag)
			if err != nil {
				return err
			}
			s, err := c.Send(payload, f.count, f.elemSize, 1, pingPongTag)
			if err != nil {
				return err
			}
			if err := c.WaitAll([]*comm.Handle{s, r}); err != nil {
				return err
			}
			rtt := time.Since(start)
			total += rtt
			if !bytes.Equal(payload, echo) {
				return fmt.Errorf("pingpong: iteration %d echo mismatch", iter)
			}
			logger.Debug("round trip", zap.Int("iter", iter), zap.Duration("rtt", rtt))
		}
		fmt.Fprintf(out, "pingpong: %d round trips of %d bytes, mean rtt %s\n", f.iters, size, total/time.Duration(f.iters))
	case 1:
		for iter := 0; iter < f.iters; iter++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, count, err := receivePing(c, f)
			if err != nil {
				return err
			}
			s, err := c.Send(data, count, f.elemSize, 0, pingPongTag)
			if err != nil {
				return err
			}
			if err := c.Wait(s); err != nil {
				return err
			}
			if f.unknown {
				if err := c.Free(data); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func receivePing(c comm.Communicator, f pingPongFlags) ([]byte, int, error) {
	if f.unknown {
		var got comm.Received
		h, err := c.RecvUnknown(&got, f.elemSize, 0, pingPongTag)
		if err != nil {
			return nil, 0, err
		}
		if err := c.Wait(h); err != nil {
			return nil, 0, err
		}
		return got.Data, got.Count, nil
	}
	data := make([]byte, f.count*f.elemSize)
	h, err := c.Recv(data, f.count, f.elemSize, 0, pingPongTag)
	if err != nil {
		return nil, 0, err
	}
	return data, f.count, c.Wait(h)
}
