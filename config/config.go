// Package config loads fabcomm settings from defaults, an optional YAML file,
// FABCOMM_* environment variables and command line overrides, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	TransportLoopback = "loopback"
	TransportOFI      = "ofi"

	GroupLocal  = "local"
	GroupGossip = "gossip"

	MetricsNone       = "none"
	MetricsPrometheus = "prometheus"
	MetricsOTel       = "otel"
)

// Config is the full fabcomm configuration.
type Config struct {
	Variant   string          `mapstructure:"variant"`
	Transport TransportConfig `mapstructure:"transport"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Device    DeviceConfig    `mapstructure:"device"`
	Group     GroupConfig     `mapstructure:"group"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// TransportConfig selects the tag-matching transport.
type TransportConfig struct {
	Kind string `mapstructure:"kind"`
	// Provider names the libfabric provider when Kind is ofi.
	Provider string `mapstructure:"provider"`
	// Reorder shuffles loopback delivery.
	Reorder bool `mapstructure:"reorder"`
}

// CacheConfig sizes the buffered communicator's staging cache.
type CacheConfig struct {
	Count  int  `mapstructure:"count"`
	Size   int  `mapstructure:"size"`
	Warmup bool `mapstructure:"warmup"`
}

// DeviceConfig configures the host device runtime.
type DeviceConfig struct {
	Count       int   `mapstructure:"count"`
	MemoryBytes int64 `mapstructure:"memory_bytes"`
	PoolBytes   int64 `mapstructure:"pool_bytes"`
}

// GroupConfig configures how ranks find each other.
type GroupConfig struct {
	Kind          string        `mapstructure:"kind"`
	Rank          int           `mapstructure:"rank"`
	Size          int           `mapstructure:"size"`
	RanksPerHost  int           `mapstructure:"ranks_per_host"`
	ClusterID     string        `mapstructure:"cluster_id"`
	BindAddr      string        `mapstructure:"bind_addr"`
	BindPort      int           `mapstructure:"bind_port"`
	AdvertiseAddr string        `mapstructure:"advertise_addr"`
	AdvertisePort int           `mapstructure:"advertise_port"`
	Seeds         []string      `mapstructure:"seeds"`
	JoinTimeout   time.Duration `mapstructure:"join_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig selects the metric hook.
type MetricsConfig struct {
	Kind   string `mapstructure:"kind"`
	Listen string `mapstructure:"listen"`
}

// Options are command line overrides. Zero values leave the loaded value
// unchanged; Rank uses a pointer because rank 0 is meaningful.
type Options struct {
	Variant   string
	Transport string
	Group     string
	Rank      *int
	Size      int
	Seeds     []string
	LogLevel  string
}

// Load reads configPath, or fabcomm.yaml from the standard locations when it
// is empty, and applies the environment and opts on top.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("fabcomm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/fabcomm")
		v.AddConfigPath("$HOME/.fabcomm")
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("FABCOMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Variant != "" {
		v.Set("variant", opts.Variant)
	}
	if opts.Transport != "" {
		v.Set("transport.kind", opts.Transport)
	}
	if opts.Group != "" {
		v.Set("group.kind", opts.Group)
	}
	if opts.Rank != nil {
		v.Set("group.rank", *opts.Rank)
	}
	if opts.Size != 0 {
		v.Set("group.size", opts.Size)
	}
	if len(opts.Seeds) > 0 {
		v.Set("group.seeds", opts.Seeds)
	}
	if opts.LogLevel != "" {
		v.Set("log.level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("variant", "buffered")

	v.SetDefault("transport.kind", TransportLoopback)
	v.SetDefault("transport.provider", "sockets")
	v.SetDefault("transport.reorder", false)

	v.SetDefault("cache.count", 4)
	v.SetDefault("cache.size", 1<<20)
	v.SetDefault("cache.warmup", true)

	v.SetDefault("device.count", 1)
	v.SetDefault("device.memory_bytes", int64(16<<30))
	v.SetDefault("device.pool_bytes", int64(0))

	v.SetDefault("group.kind", GroupLocal)
	v.SetDefault("group.rank", 0)
	v.SetDefault("group.size", 2)
	v.SetDefault("group.ranks_per_host", 0)
	v.SetDefault("group.cluster_id", "")
	v.SetDefault("group.bind_addr", "0.0.0.0")
	v.SetDefault("group.bind_port", 7946)
	v.SetDefault("group.advertise_addr", "")
	v.SetDefault("group.advertise_port", 0)
	v.SetDefault("group.seeds", []string{})
	v.SetDefault("group.join_timeout", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("metrics.kind", MetricsNone)
	v.SetDefault("metrics.listen", ":9464")
}

// Validate checks the configuration and fills derived values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Variant {
	case "direct", "buffered":
	default:
		errs = append(errs, fmt.Errorf("variant must be direct or buffered, got %q", c.Variant))
	}
	switch c.Transport.Kind {
	case TransportLoopback, TransportOFI:
	default:
		errs = append(errs, fmt.Errorf("transport.kind must be %s or %s, got %q", TransportLoopback, TransportOFI, c.Transport.Kind))
	}
	if c.Variant == "buffered" && (c.Cache.Count <= 0 || c.Cache.Size <= 0) {
		errs = append(errs, fmt.Errorf("cache.count and cache.size must be positive, got %d x %d", c.Cache.Count, c.Cache.Size))
	}
	if c.Device.Count <= 0 {
		errs = append(errs, fmt.Errorf("device.count must be positive, got %d", c.Device.Count))
	}
	if c.Device.PoolBytes < 0 || (c.Device.PoolBytes > 0 && c.Device.PoolBytes > c.Device.MemoryBytes) {
		errs = append(errs, fmt.Errorf("device.pool_bytes %d exceeds device.memory_bytes %d", c.Device.PoolBytes, c.Device.MemoryBytes))
	}
	if c.Group.Size <= 0 {
		errs = append(errs, fmt.Errorf("group.size must be positive, got %d", c.Group.Size))
	} else if c.Group.Rank < 0 || c.Group.Rank >= c.Group.Size {
		errs = append(errs, fmt.Errorf("group.rank %d outside [0, %d)", c.Group.Rank, c.Group.Size))
	}
	switch c.Group.Kind {
	case GroupLocal:
		if c.Group.ClusterID == "" {
			c.Group.ClusterID = uuid.NewString()
		}
	case GroupGossip:
		if c.Group.ClusterID == "" {
			if c.Group.Size > 1 {
				errs = append(errs, errors.New("group.cluster_id is required for a multi-rank gossip group"))
			} else {
				c.Group.ClusterID = uuid.NewString()
			}
		}
		if c.Group.Rank > 0 && len(c.Group.Seeds) == 0 {
			errs = append(errs, errors.New("group.seeds is required for gossip ranks other than 0"))
		}
		if c.Transport.Kind == TransportLoopback && c.Group.Size > 1 {
			errs = append(errs, errors.New("the loopback transport cannot span gossip processes"))
		}
	default:
		errs = append(errs, fmt.Errorf("group.kind must be %s or %s, got %q", GroupLocal, GroupGossip, c.Group.Kind))
	}
	if c.Group.ClusterID != "" {
		if _, err := uuid.Parse(c.Group.ClusterID); err != nil {
			errs = append(errs, fmt.Errorf("group.cluster_id: %w", err))
		}
	}
	switch c.Metrics.Kind {
	case MetricsNone, MetricsPrometheus, MetricsOTel:
	default:
		errs = append(errs, fmt.Errorf("metrics.kind must be none, prometheus or otel, got %q", c.Metrics.Kind))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
