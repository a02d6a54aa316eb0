package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dvbcache/middleware"
	"dvbcache/registry"
	"dvbcache/server"
)

func newMemServerCmd(g *globalFlags) *cobra.Command {
	var (
		listen    string
		advertise string
	)
	cmd := &cobra.Command{
		Use:   "memserver",
		Short: "Run an in-memory cache node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			network := "tcp"
			if strings.HasPrefix(listen, "/") {
				network = "unix"
			}
			svr := server.NewServer(server.WithLogger(log), server.WithServiceName(cfg.Registry.Service))
			svr.Use(middleware.LoggingMiddleware(log))
			if cfg.RateLimit.QPS > 0 {
				svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit.QPS, cfg.RateLimit.Burst))
			}
			if err := svr.Listen(network, listen); err != nil {
				return err
			}

			var reg registry.Registry
			if cfg.UseRegistry() {
				etcdReg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
				if err != nil {
					return err
				}
				defer etcdReg.Close()
				reg = etcdReg
				if advertise == "" {
					advertise = svr.Addr().String()
				}
			}

			done := make(chan error, 1)
			go func() { done <- svr.Serve(advertise, reg) }()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sig)

			select {
			case err := <-done:
				return err
			case s := <-sig:
				log.Info("shutting down", zap.Stringer("signal", s))
			case <-cmd.Context().Done():
			}
			return svr.Shutdown(5 * time.Second)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:6500", "listen address, host:port or /path/to.sock")
	cmd.Flags().StringVar(&advertise, "advertise", "", "address published in etcd, defaults to the bound address")
	return cmd
}
