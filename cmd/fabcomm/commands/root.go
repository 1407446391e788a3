// Package commands holds the fabcomm cobra command tree.
package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/fabcomm/config"
)

type rootFlags struct {
	configPath string
	variant    string
	transport  string
	group      string
	rank       int
	size       int
	seeds      []string
	logLevel   string
}

// session is the state shared by sub-commands once the root pre-run loaded
// the configuration and built the logger.
type session struct {
	flags  rootFlags
	cfg    *config.Config
	logger *zap.Logger
	runID  string
	undo   func()
}

// NewRootCmd builds the fabcomm command tree.
func NewRootCmd(version string) *cobra.Command {
	s := &session{}
	rootCmd := &cobra.Command{
		Use:   "fabcomm",
		Short: "Rank-to-rank tagged transfers over direct and buffered communicators",
		Long: `fabcomm runs tagged point-to-point transfers between ranks.

Ranks run in-process (group kind "local") or as separate processes that find
each other through memberlist gossip (group kind "gossip"). Settings come from
fabcomm.yaml, FABCOMM_* environment variables and the flags below:
  FABCOMM_VARIANT=direct
  FABCOMM_CACHE_COUNT=8
  FABCOMM_TRANSPORT_KIND=ofi`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			s.close()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&s.flags.configPath, "config", "", "configuration file (default: fabcomm.yaml in ., /etc/fabcomm, $HOME/.fabcomm)")
	pf.StringVar(&s.flags.variant, "variant", "", "communicator variant: direct or buffered")
	pf.StringVar(&s.flags.transport, "transport", "", "transport kind: loopback or ofi")
	pf.StringVar(&s.flags.group, "group", "", "process group kind: local or gossip")
	pf.IntVar(&s.flags.rank, "rank", 0, "rank of this process in a gossip group")
	pf.IntVar(&s.flags.size, "size", 0, "number of ranks")
	pf.StringSliceVar(&s.flags.seeds, "seeds", nil, "gossip seed addresses (host:port)")
	pf.StringVar(&s.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(newPingPongCmd(s))
	rootCmd.AddCommand(newBenchCmd(s))
	rootCmd.AddCommand(newInfoCmd(s))
	return rootCmd
}

func (s *session) load(cmd *cobra.Command) error {
	opts := config.Options{
		Variant:   s.flags.variant,
		Transport: s.flags.transport,
		Group:     s.flags.group,
		Size:      s.flags.size,
		Seeds:     s.flags.seeds,
		LogLevel:  s.flags.logLevel,
	}
	if cmd.Flags().Changed("rank") {
		rank := s.flags.rank
		opts.Rank = &rank
	}
	cfg, err := config.Load(s.flags.configPath, opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.runID = uuid.NewString()
	s.logger = logger.With(zap.String("run_id", s.runID))
	s.undo = zap.ReplaceGlobals(s.logger)
	s.logger.Debug("configuration loaded",
		zap.String("variant", cfg.Variant),
		zap.String("transport", cfg.Transport.Kind),
		zap.String("group", cfg.Group.Kind),
		zap.Int("size", cfg.Group.Size),
	)
	return nil
}

func (s *session) close() {
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	if s.undo != nil {
		s.undo()
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}
