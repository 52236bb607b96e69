// Package config holds the configuration of the replication tree daemon.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const (
	// DefaultDegreeBound is the default number of tree neighbors per forwarder.
	DefaultDegreeBound = 4
	// DefaultPartitions is the default number of table partitions.
	DefaultPartitions = 8
	// DefaultRebuildBurst is the default burst of the rebuild rate limiter.
	DefaultRebuildBurst = 1
	// DefaultLogLevel is the default log level.
	DefaultLogLevel = "info"
)

// Config is the daemon configuration. Keys in the configuration file use the
// flag names.
type Config struct {
	DegreeBound    int     `toml:"degree-bound"`
	Partitions     int     `toml:"partitions"`
	RebuildRate    float64 `toml:"rebuild-rate"`
	RebuildBurst   int     `toml:"rebuild-burst"`
	MetricsAddress string  `toml:"metrics-addr"`
	LogLevel       string  `toml:"log-level"`
}

// New returns a Config with defaults applied.
func New() *Config {
	return &Config{
		DegreeBound:  DefaultDegreeBound,
		Partitions:   DefaultPartitions,
		RebuildBurst: DefaultRebuildBurst,
		LogLevel:     DefaultLogLevel,
	}
}

// InstallFlags adds flags for every configuration option to flags.
func InstallFlags(conf *Config, flags *pflag.FlagSet) {
	flags.IntVar(&conf.DegreeBound, "degree-bound", conf.DegreeBound, "Maximum number of tree neighbors per forwarder")
	flags.IntVar(&conf.Partitions, "partitions", conf.Partitions, "Number of table partitions")
	flags.Float64Var(&conf.RebuildRate, "rebuild-rate", conf.RebuildRate, "Maximum work queue drains per second and partition (0 for no limit)")
	flags.IntVar(&conf.RebuildBurst, "rebuild-burst", conf.RebuildBurst, "Burst of work queue drains allowed above the rebuild rate")
	flags.StringVar(&conf.MetricsAddress, "metrics-addr", conf.MetricsAddress, "Address to serve prometheus metrics on")
	flags.StringVarP(&conf.LogLevel, "log-level", "l", conf.LogLevel, `Set the logging level ("trace"|"debug"|"info"|"warn"|"error"|"fatal")`)
}

// isDirective reports whether key names a configuration option. Options and
// flags share their names.
func isDirective(key string) bool {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	InstallFlags(&Config{}, flags)
	return flags.Lookup(key) != nil
}

// MergeConfigurations reads configFile and applies it on top of
// flagsConfig. An option set both by an explicit flag and in the file is an
// error.
func MergeConfigurations(flagsConfig *Config, flags *pflag.FlagSet, configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("configuration file %s: %v: %w", configFile, err, errdefs.ErrInvalidArgument)
	}
	fileConfig := tree.ToMap()

	if err := findUnknownDirectives(fileConfig); err != nil {
		return nil, fmt.Errorf("configuration file %s: %w", configFile, err)
	}
	if flags != nil {
		if err := findConfigurationConflicts(fileConfig, flags); err != nil {
			return nil, fmt.Errorf("configuration file %s: %w", configFile, err)
		}
	}

	// Keys missing from the file keep the value from flagsConfig.
	conf := *flagsConfig
	if err := tree.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("configuration file %s: %v: %w", configFile, err, errdefs.ErrInvalidArgument)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func findUnknownDirectives(fileConfig map[string]any) error {
	var unknown []string
	for key := range fileConfig {
		if !isDirective(key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("the following directives don't match any configuration option: %s: %w",
		strings.Join(unknown, ", "), errdefs.ErrInvalidArgument)
}

// findConfigurationConflicts reports options set both on the command line
// and in the configuration file.
func findConfigurationConflicts(fileConfig map[string]any, flags *pflag.FlagSet) error {
	var conflicts []string
	flags.Visit(func(f *pflag.Flag) {
		if v, ok := fileConfig[f.Name]; ok {
			conflicts = append(conflicts, fmt.Sprintf("%s: (from flag: %v, from file: %v)", f.Name, f.Value.String(), v))
		}
	})
	if len(conflicts) == 0 {
		return nil
	}
	sort.Strings(conflicts)
	return fmt.Errorf("the following directives are specified both as a flag and in the configuration file: %s: %w",
		strings.Join(conflicts, ", "), errdefs.ErrConflict)
}

// Validate checks the configuration values.
func (conf *Config) Validate() error {
	if conf.DegreeBound < 2 {
		return fmt.Errorf("invalid degree-bound %d: must be at least 2: %w", conf.DegreeBound, errdefs.ErrInvalidArgument)
	}
	if conf.Partitions < 1 {
		return fmt.Errorf("invalid partitions %d: must be at least 1: %w", conf.Partitions, errdefs.ErrInvalidArgument)
	}
	if conf.RebuildRate < 0 {
		return fmt.Errorf("invalid rebuild-rate %v: %w", conf.RebuildRate, errdefs.ErrInvalidArgument)
	}
	if conf.RebuildBurst < 1 {
		return fmt.Errorf("invalid rebuild-burst %d: must be at least 1: %w", conf.RebuildBurst, errdefs.ErrInvalidArgument)
	}
	if _, err := logrus.ParseLevel(conf.LogLevel); err != nil {
		return fmt.Errorf("invalid log-level %q: %w", conf.LogLevel, errdefs.ErrInvalidArgument)
	}
	return nil
}
