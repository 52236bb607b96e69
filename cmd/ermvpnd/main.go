package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/moby/ermvpn/daemon/config"
	"github.com/moby/ermvpn/libnetwork/ermvpn"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type daemonOptions struct {
	configFile string
	config     *config.Config
	flags      *pflag.FlagSet
}

func newDaemonCommand() *cobra.Command {
	opts := daemonOptions{
		config: config.New(),
	}

	cmd := &cobra.Command{
		Use:           "ermvpnd [OPTIONS] EVENTS-FILE",
		Short:         "Build edge replicated multicast distribution trees from forwarder events.",
		Long:          "Reads newline delimited JSON forwarder events from EVENTS-FILE (\"-\" for stdin) and prints the replication state of every forwarder.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			return runDaemon(cmd.Context(), opts, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "Configuration file")
	config.InstallFlags(opts.config, flags)

	return cmd
}

func loadConfig(opts daemonOptions) (*config.Config, error) {
	if opts.configFile == "" {
		return opts.config, opts.config.Validate()
	}
	return config.MergeConfigurations(opts.config, opts.flags, opts.configFile)
}

func runDaemon(ctx context.Context, opts daemonOptions, eventsFile string, stdin io.Reader, stdout io.Writer) error {
	conf, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := log.SetLevel(conf.LogLevel); err != nil {
		return err
	}

	tm, err := ermvpn.New(ermvpn.Options{
		Partitions:   conf.Partitions,
		Degree:       conf.DegreeBound,
		RebuildRate:  conf.RebuildRate,
		RebuildBurst: conf.RebuildBurst,
	}, nil)
	if err != nil {
		return err
	}

	in := stdin
	if eventsFile != "-" {
		f, err := os.Open(eventsFile)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	n, err := replay(ctx, tm, in)
	if err != nil {
		return err
	}
	rebuilt := tm.Sync(ctx)
	log.G(ctx).WithFields(log.Fields{
		"events":  n,
		"flows":   len(tm.Flows()),
		"rebuilt": rebuilt,
	}).Debug("replayed forwarder events")

	if err := writeUpdates(stdout, tm); err != nil {
		return err
	}

	if conf.MetricsAddress == "" {
		return nil
	}
	return serveMetrics(ctx, conf.MetricsAddress, tm)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := newDaemonCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		cancel()
		os.Exit(1)
	}
}
