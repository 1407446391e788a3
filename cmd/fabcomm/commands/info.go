package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/fabcomm/transport/ofi"
)

func newInfoCmd(s *session) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the effective configuration and available libfabric providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg := s.cfg
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "run id\t%s\n", s.runID)
			fmt.Fprintf(w, "variant\t%s\n", cfg.Variant)
			fmt.Fprintf(w, "transport\t%s\n", cfg.Transport.Kind)
			if cfg.Variant == "buffered" {
				fmt.Fprintf(w, "cache\t%d x %d bytes (warmup %t)\n", cfg.Cache.Count, cfg.Cache.Size, cfg.Cache.Warmup)
			}
			fmt.Fprintf(w, "devices\t%d x %d bytes (pool %d)\n", cfg.Device.Count, cfg.Device.MemoryBytes, cfg.Device.PoolBytes)
			fmt.Fprintf(w, "group\t%s rank %d of %d (cluster %s)\n", cfg.Group.Kind, cfg.Group.Rank, cfg.Group.Size, cfg.Group.ClusterID)
			fmt.Fprintf(w, "metrics\t%s\n", cfg.Metrics.Kind)
			if err := w.Flush(); err != nil {
				return err
			}

			provider := cfg.Transport.Provider
			if all {
				provider = ""
			}
			descs, err := ofi.Discover(provider)
			if err != nil {
				fmt.Fprintf(out, "\nlibfabric: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "\nlibfabric %s, %d tagged RDM provider(s)\n", ofi.RuntimeVersion(), len(descs))
			if len(descs) == 0 {
				return nil
			}
			w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tVERSION\tFABRIC\tDOMAIN\tDIRECTED\tMR_LOCAL")
			for _, d := range descs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%t\n", d.Provider, d.Version, d.Fabric, d.Domain, d.DirectedRecv, d.MRLocal)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every provider instead of transport.provider only")
	return cmd
}
