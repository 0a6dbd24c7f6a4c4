package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/rdrr/loader/format"
	"github.com/rdrr/loader/fs/rdrr"
	"github.com/rdrr/loader/integrity"
	"github.com/rdrr/loader/resolve"
	"github.com/rdrr/loader/shard"
)

// loadManifest reads dir/manifest.json and decodes it.
func loadManifest(dir string) (*rdrr.Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return rdrr.Decode(raw)
}

func newShardsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shards <model-dir>",
		Short: "List the shards a manifest declares",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}

			shards := append([]rdrr.Shard(nil), m.Shards...)
			sort.Slice(shards, func(i, j int) bool { return shards[i].Index < shards[j].Index })

			var data [][]string
			for _, s := range shards {
				data = append(data, []string{
					fmt.Sprintf("%d", s.Index), s.Filename, format.HumanBytes(s.Size), s.Hash,
				})
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"INDEX", "FILENAME", "SIZE", "HASH"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
}

func newTensorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tensors <model-dir>",
		Short: "List the tensors a manifest declares",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}

			names := make([]string, 0, len(m.Tensors))
			for name := range m.Tensors {
				names = append(names, name)
			}
			sort.Strings(names)

			var data [][]string
			for _, name := range names {
				t := m.Tensors[name]
				size := t.Location.TotalSize()
				data = append(data, []string{name, t.Dtype.String(), fmt.Sprintf("%v", t.Shape), format.HumanBytes(size)})
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"NAME", "DTYPE", "SHAPE", "SIZE"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
}

func newIntegrityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrity <model-dir>",
		Short: "Run the one-time shard integrity scan without loading any weights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			source, err := shard.OpenLocalStore(args[0], m)
			if err != nil {
				return err
			}

			report, err := integrity.NewChecker(source).Check(context.Background(), m)
			if err != nil {
				return err
			}

			if report.Valid {
				fmt.Fprintln(cmd.OutOrStdout(), "ok: all shards present and verified")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "missing shards: %v\ncorrupt shards: %v\n", report.Missing, report.Corrupt)
			return fmt.Errorf("rdrr-inspect: integrity check failed")
		},
	}
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <model-dir> <logical-name>",
		Short: "Resolve a logical tensor name (e.g. lm_head) to its concrete manifest key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			r := resolve.NewResolver(resolve.DefaultPrefixes(), resolve.DefaultRewrites(), func(name string) bool {
				_, ok := m.Tensors[name]
				return ok
			})
			concrete, err := r.Resolve(args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), concrete)
			return nil
		},
	}
}
