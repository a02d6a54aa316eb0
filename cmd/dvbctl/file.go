package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"dvbcache/client"
	"dvbcache/protocol"
)

func newReadCmd(g *globalFlags) *cobra.Command {
	var (
		offset int64
		size   string
		blocks bool
	)
	cmd := &cobra.Command{
		Use:   "read PATH",
		Short: "Read a byte range of a file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := humanize.ParseBytes(size)
			if err != nil {
				return fmt.Errorf("size %q: %w", size, err)
			}
			return g.withClient(cmd.Context(), func(cli *client.Client) error {
				f := cli.Open(args[0], client.ModeReadOnly)
				var data []byte
				if blocks {
					data, err = f.ReadBlocks(cmd.Context(), n, offset)
				} else {
					data, err = f.Read(cmd.Context(), n, offset)
				}
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "byte offset")
	cmd.Flags().StringVar(&size, "size", "1MiB", "bytes to read, e.g. 4096 or 256KiB")
	cmd.Flags().BoolVar(&blocks, "blocks", false, "fetch fixed-size blocks in parallel")
	return cmd
}

func newWriteCmd(g *globalFlags) *cobra.Command {
	var (
		offset int64
		async  bool
	)
	cmd := &cobra.Command{
		Use:   "write PATH [DATA]",
		Short: "Write DATA (or stdin) to a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 2 {
				data = []byte(args[1])
			} else {
				var err error
				if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			return g.withClient(cmd.Context(), func(cli *client.Client) error {
				n, err := cli.Open(args[0], client.ModeReadWrite).Write(cmd.Context(), data, offset, async)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s to %s\n", humanize.IBytes(uint64(n)), args[0])
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "byte offset")
	cmd.Flags().BoolVar(&async, "async", false, "let the node acknowledge before the backend write")
	return cmd
}

func newStatCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stat PATH",
		Short: "Show size and modification time of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd.Context(), func(cli *client.Client) error {
				st, err := cli.GetAttr(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				mtime := st.Time()
				fmt.Fprintf(cmd.OutOrStdout(), "path:  %s\nsize:  %s (%d bytes)\nmtime: %s (%s)\n",
					args[0], humanize.IBytes(st.Size), st.Size,
					mtime.Format(time.RFC3339), humanize.Time(mtime))
				return nil
			})
		},
	}
}

func newTruncateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "truncate PATH SIZE",
		Short: "Resize a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := humanize.ParseBytes(args[1])
			if err != nil {
				return fmt.Errorf("size %q: %w", args[1], err)
			}
			return g.withClient(cmd.Context(), func(cli *client.Client) error {
				return cli.Truncate(cmd.Context(), args[0], int64(size))
			})
		},
	}
}

// newPathCmd builds a command whose only argument is the path passed to op.
func newPathCmd(g *globalFlags, use, short string, op func(*client.Client, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " PATH",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd.Context(), func(cli *client.Client) error {
				return op(cli, cmd.Context(), args[0])
			})
		},
	}
}

func newAdminCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin [COMMAND]",
		Short: "Administrative commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every file held by the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd.Context(), func(cli *client.Client) error {
				_, err := cli.Admin(cmd.Context(), protocol.AdminClearFiles, nil)
				return err
			})
		},
	})
	return cmd
}
