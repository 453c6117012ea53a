package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"managed-kvstore/internal/kv"
	"managed-kvstore/internal/managed"
)

var errNotFound = errors.New("key not found")

func outputJSON(w io.Writer, data interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func newGetCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withStore(func(s kv.KeyValueStore[string, string]) error {
				value, found, err := s.Get(args[0])
				if err != nil {
					return err
				}
				if o.jsonOutput {
					data := map[string]interface{}{"key": args[0], "found": found}
					if found {
						data["value"] = value
					}
					return outputJSON(cmd.OutOrStdout(), data)
				}
				if !found {
					fmt.Fprintln(cmd.OutOrStdout(), "(nil)")
					return fmt.Errorf("%q: %w", args[0], errNotFound)
				}
				fmt.Fprintln(cmd.OutOrStdout(), value)
				return nil
			})
		},
	}
}

func newPutCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store value under key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withStore(func(s kv.KeyValueStore[string, string]) error {
				if err := s.Put(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		},
	}
}

func newPutIfAbsentCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "putnx <key> <value>",
		Short: "Store value under key unless the key already exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withStore(func(s kv.KeyValueStore[string, string]) error {
				existing, loaded, err := s.PutIfAbsent(args[0], args[1])
				if err != nil {
					return err
				}
				if o.jsonOutput {
					return outputJSON(cmd.OutOrStdout(), map[string]interface{}{
						"key": args[0], "inserted": !loaded, "existing": existing,
					})
				}
				if loaded {
					fmt.Fprintf(cmd.OutOrStdout(), "EXISTS %s\n", existing)
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		},
	}
}

func newDelCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "del <key>...",
		Aliases: []string{"delete"},
		Short:   "Remove keys, printing how many existed",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withStore(func(s kv.KeyValueStore[string, string]) error {
				removed := 0
				for _, key := range args {
					ok, err := s.Remove(key)
					if err != nil {
						return err
					}
					if ok {
						removed++
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), removed)
				return nil
			})
		},
	}
}

func newScanCmd(o *cliOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List entries of the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withStore(func(s kv.KeyValueStore[string, string]) error {
				entries := make(map[string]string)
				err := s.Scan(func(key, value string) bool {
					entries[key] = value
					return limit <= 0 || len(entries) < limit
				})
				if err != nil {
					return err
				}
				if o.jsonOutput {
					return outputJSON(cmd.OutOrStdout(), entries)
				}
				for _, key := range slices.Sorted(maps.Keys(entries)) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key, entries[key])
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many entries (0 for all)")
	return cmd
}

func newSizeCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "Print the number of entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withStore(func(s kv.KeyValueStore[string, string]) error {
				n, err := s.Size()
				if err != nil {
					return err
				}
				if o.jsonOutput {
					return outputJSON(cmd.OutOrStdout(), map[string]interface{}{"store": s.Name(), "size": n})
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func newClearCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry of the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withStore(func(s kv.KeyValueStore[string, string]) error {
				if err := s.Clear(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		},
	}
}

func newFlushCmd(o *cliOptions) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Flush the store with the given mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := managed.ParseFlushMode(mode)
			if err != nil {
				return err
			}
			return o.withStore(func(s kv.KeyValueStore[string, string]) error {
				if err := s.Flush(m); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK (%s)\n", m)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "full-compact", "Flush mode (incremental, full-compact, full-clear)")
	return cmd
}
