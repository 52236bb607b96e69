package config

import (
	"os"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/spf13/pflag"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func newFlags(conf *Config) *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	InstallFlags(conf, flags)
	return flags
}

func TestDefaults(t *testing.T) {
	conf := New()
	assert.NilError(t, conf.Validate())
	assert.Check(t, is.DeepEqual(conf, &Config{
		DegreeBound:  4,
		Partitions:   8,
		RebuildBurst: 1,
		LogLevel:     "info",
	}))
}

func TestConfigurationNotFound(t *testing.T) {
	_, err := MergeConfigurations(New(), nil, "/tmp/foo-bar-baz-ermvpnd")
	assert.Check(t, os.IsNotExist(err), "got: %[1]T: %[1]v", err)
}

func TestBrokenConfiguration(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent(`degree-bound = `))
	defer configFile.Remove()

	_, err := MergeConfigurations(New(), nil, configFile.Path())
	assert.Check(t, errdefs.IsInvalidArgument(err), "got: %v", err)
}

func TestConfigurationFile(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent(`
degree-bound = 3
partitions = 2
rebuild-rate = 10.0
rebuild-burst = 5
metrics-addr = "127.0.0.1:9323"
log-level = "debug"
`))
	defer configFile.Remove()

	conf, err := MergeConfigurations(New(), nil, configFile.Path())
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(conf, &Config{
		DegreeBound:    3,
		Partitions:     2,
		RebuildRate:    10,
		RebuildBurst:   5,
		MetricsAddress: "127.0.0.1:9323",
		LogLevel:       "debug",
	}))
}

func TestFlagsAndFileMerge(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent(`rebuild-rate = 2.5`))
	defer configFile.Remove()

	conf := New()
	flags := newFlags(conf)
	assert.NilError(t, flags.Parse([]string{"--partitions", "16"}))

	merged, err := MergeConfigurations(conf, flags, configFile.Path())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(merged.Partitions, 16))
	assert.Check(t, is.Equal(merged.RebuildRate, 2.5))
	assert.Check(t, is.Equal(merged.DegreeBound, DefaultDegreeBound))
}

func TestFindConfigurationConflicts(t *testing.T) {
	conf := New()
	flags := newFlags(conf)
	fileConfig := map[string]any{"degree-bound": int64(3)}

	assert.NilError(t, findConfigurationConflicts(fileConfig, flags), "defaults never conflict")

	assert.NilError(t, flags.Set("degree-bound", "6"))
	err := findConfigurationConflicts(fileConfig, flags)
	assert.Check(t, errdefs.IsConflict(err))
	assert.Check(t, is.ErrorContains(err, "degree-bound: (from flag: 6, from file: 3)"))
}

func TestConflictingConfigurationFile(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent(`log-level = "warn"`))
	defer configFile.Remove()

	conf := New()
	flags := newFlags(conf)
	assert.NilError(t, flags.Parse([]string{"-l", "debug"}))

	_, err := MergeConfigurations(conf, flags, configFile.Path())
	assert.Check(t, is.ErrorContains(err, "specified both as a flag and in the configuration file"))
}

func TestUnknownDirective(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent("degree = 3\nfanout = 2\n"))
	defer configFile.Remove()

	_, err := MergeConfigurations(New(), nil, configFile.Path())
	assert.Check(t, errdefs.IsInvalidArgument(err))
	assert.Check(t, is.ErrorContains(err, "don't match any configuration option: degree, fanout"))
}

func TestWrongType(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent(`partitions = "many"`))
	defer configFile.Remove()

	_, err := MergeConfigurations(New(), nil, configFile.Path())
	assert.Check(t, errdefs.IsInvalidArgument(err))
	assert.Check(t, is.ErrorContains(err, configFile.Path()))
}

func TestFileKeepsUnsetOptions(t *testing.T) {
	configFile := fs.NewFile(t, "config", fs.WithContent(`degree-bound = 6`))
	defer configFile.Remove()

	base := New()
	base.MetricsAddress = "127.0.0.1:9323"
	base.RebuildRate = 7.5

	conf, err := MergeConfigurations(base, nil, configFile.Path())
	assert.NilError(t, err)
	assert.Check(t, is.Equal(conf.DegreeBound, 6))
	assert.Check(t, is.Equal(conf.MetricsAddress, "127.0.0.1:9323"))
	assert.Check(t, is.Equal(conf.RebuildRate, 7.5))
	assert.Check(t, is.Equal(conf.LogLevel, DefaultLogLevel))
	assert.Check(t, is.Equal(base.DegreeBound, DefaultDegreeBound), "the flags configuration is not modified")
}

func TestIsDirective(t *testing.T) {
	for _, key := range []string{"degree-bound", "partitions", "rebuild-rate", "rebuild-burst", "metrics-addr", "log-level"} {
		assert.Check(t, isDirective(key), key)
	}
	assert.Check(t, !isDirective("degree"))
	assert.Check(t, !isDirective("config"))
}

func TestValidate(t *testing.T) {
	testcases := []struct {
		name   string
		modify func(*Config)
		err    string
	}{
		{name: "degree", modify: func(c *Config) { c.DegreeBound = 1 }, err: "invalid degree-bound 1"},
		{name: "partitions", modify: func(c *Config) { c.Partitions = 0 }, err: "invalid partitions 0"},
		{name: "rate", modify: func(c *Config) { c.RebuildRate = -1 }, err: "invalid rebuild-rate -1"},
		{name: "burst", modify: func(c *Config) { c.RebuildBurst = 0 }, err: "invalid rebuild-burst 0"},
		{name: "log-level", modify: func(c *Config) { c.LogLevel = "loud" }, err: `invalid log-level "loud"`},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			conf := New()
			tc.modify(conf)
			err := conf.Validate()
			assert.Check(t, errdefs.IsInvalidArgument(err))
			assert.Check(t, is.ErrorContains(err, tc.err))
		})
	}
}
