package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nyholm-systems/kvforge/internal/engine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dir       string
		memMax    int64
		maxSST    int64
		syncWrite bool
		verbose   bool
	)

	root := &cobra.Command{
		Use:           "kvforge",
		Short:         "embedded log-structured key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dir, "dir", "data", "store directory (logs + sstables live here)")
	root.PersistentFlags().Int64Var(&memMax, "mem", 10<<20, "memtable size threshold in bytes before a seal (0 disables)")
	root.PersistentFlags().Int64Var(&maxSST, "maxsst", 4<<20, "sstable size threshold in bytes for compaction eligibility")
	root.PersistentFlags().BoolVar(&syncWrite, "sync", true, "fsync the log file on every write")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "emit structured engine logs to stderr")

	open := func() (*engine.Engine, error) {
		opts := engine.DefaultOptions()
		opts.Dir = dir
		opts.MaxMemtableBytes = memMax
		opts.MaxSSTableSize = maxSST
		opts.SyncOnWrite = syncWrite
		if verbose {
			opts.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		}
		return engine.Open(opts)
	}

	root.AddCommand(
		newPutCmd(open),
		newGetCmd(open),
		newDelCmd(open),
		newCompactCmd(open),
		newStatsCmd(open),
	)
	return root
}

func newPutCmd(open func() (*engine.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "write a key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.GracefulShutdown()
			if err := e.Put([]byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newGetCmd(open func() (*engine.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "read a key's value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.GracefulShutdown()
			v, ok, err := e.Get([]byte(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "(not found)")
				os.Exit(1)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(v))
			return nil
		},
	}
}

func newDelCmd(open func() (*engine.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.GracefulShutdown()
			if err := e.Delete([]byte(args[0])); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newCompactCmd(open func() (*engine.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "run a single compaction pass over eligible sstables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.GracefulShutdown()
			if err := e.CompactOnce(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newStatsCmd(open func() (*engine.Engine, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print sstable count, flush queue depth, and active memtable size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open()
			if err != nil {
				return err
			}
			defer e.GracefulShutdown()
			s := e.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "sstables=%d flush_queue_depth=%d active_memtable_bytes=%d\n",
				s.SSTableCount, s.FlushQueueDepth, s.ActiveMemtableBytes)
			return nil
		},
	}
}
