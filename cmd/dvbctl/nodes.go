package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dvbcache/registry"
)

func (g *globalFlags) newRegistry() (*registry.EtcdRegistry, string, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, "", err
	}
	if !cfg.UseRegistry() {
		return nil, "", errors.New("no registry endpoints configured")
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
	if err != nil {
		return nil, "", err
	}
	return reg, cfg.Registry.Service, nil
}

func newNodesCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes [COMMAND]",
		Short: "Manage cache nodes published in etcd",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered cache nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, service, err := g.newRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()
			instances, err := reg.Discover(service)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ADDR\tWEIGHT\tVERSION")
			for _, inst := range instances {
				fmt.Fprintf(w, "%s\t%d\t%s\n", inst.Addr, inst.Weight, inst.Version)
			}
			return w.Flush()
		},
	}

	var (
		weight  int
		version string
		ttl     int64
	)
	add := &cobra.Command{
		Use:   "add ADDR",
		Short: "Register a cache node; the entry expires ttl seconds after dvbctl exits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, service, err := g.newRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()
			return reg.Register(service, registry.ServiceInstance{Addr: args[0], Weight: weight, Version: version}, ttl)
		},
	}
	add.Flags().IntVar(&weight, "weight", 1, "weight for weighted_random balancing")
	add.Flags().StringVar(&version, "version", "", "node version label")
	add.Flags().Int64Var(&ttl, "ttl", 60, "lease TTL in seconds")

	remove := &cobra.Command{
		Use:   "remove ADDR",
		Short: "Deregister a cache node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, service, err := g.newRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()
			return reg.Deregister(service, args[0])
		},
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}
