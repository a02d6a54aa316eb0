package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dvbcache/client"
	"dvbcache/config"
	"dvbcache/logger"
)

type globalFlags struct {
	configFile string
	addr       string
	timeout    time.Duration
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "dvbctl",
		Short:         "Block cache command line client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&g.configFile, "config", "c", "", "YAML configuration file")
	flags.StringVar(&g.addr, "addr", "", "cache node address, host:port or /path/to.sock")
	flags.DurationVar(&g.timeout, "timeout", 0, "timeout of one request")
	flags.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")

	cmd.AddCommand(
		newReadCmd(g),
		newWriteCmd(g),
		newStatCmd(g),
		newTruncateCmd(g),
		newPathCmd(g, "unlink", "Remove a file", (*client.Client).Unlink),
		newPathCmd(g, "mkdir", "Create a directory", (*client.Client).MkDir),
		newPathCmd(g, "rmdir", "Remove an empty directory", (*client.Client).RmDir),
		newPathCmd(g, "flush", "Flush buffered writes of a file to its backend", (*client.Client).Flush),
		newPathCmd(g, "close", "Release a file on its cache node", (*client.Client).Close),
		newAdminCmd(g),
		newNodesCmd(g),
		newMemServerCmd(g),
	)
	return cmd
}

// loadConfig reads --config (or the defaults) and applies the flag overrides.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if g.configFile != "" {
		var err error
		if cfg, err = config.Load(g.configFile); err != nil {
			return nil, err
		}
	}
	if g.addr != "" {
		cfg.Addr = g.addr
		cfg.Registry.Endpoints = nil
	}
	if g.timeout > 0 {
		cfg.Timeout = g.timeout
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	return cfg, cfg.Validate()
}

func (g *globalFlags) newLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// withClient runs fn with a started client and stops it afterwards.
func (g *globalFlags) withClient(ctx context.Context, fn func(*client.Client) error) error {
	cfg, log, err := g.newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	cli, err := client.NewClient(cfg, client.WithLogger(log))
	if err != nil {
		return err
	}
	if err := cli.Start(ctx); err != nil {
		return err
	}
	defer cli.Stop()
	return fn(cli)
}
