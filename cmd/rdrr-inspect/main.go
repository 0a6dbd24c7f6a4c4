// Command rdrr-inspect is a standalone diagnostic CLI over a manifest
// directory: dump the shard/tensor tables, run the integrity scan
// without loading anything onto a device, and resolve a logical tensor
// name to its concrete manifest key.
//
// Modeled on cmd/cmd.go's NewCLI root-command assembly and
// appendEnvDocs, and cmd/cmd_list.go's tablewriter usage for dumping
// tabular output.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/rdrr/loader/envconfig"
)

func main() {
	if err := newCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	root := &cobra.Command{
		Use:           "rdrr-inspect",
		Short:         "Inspect an RDRR model directory without loading it onto a device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	shardsCmd := newShardsCmd()
	tensorsCmd := newTensorsCmd()
	integrityCmd := newIntegrityCmd()
	resolveCmd := newResolveCmd()

	appendEnvDocs(integrityCmd, []envconfig.EnvVar{envconfig.AsMap()["RDRR_DEBUG_HASH"]})
	appendEnvDocs(shardsCmd, []envconfig.EnvVar{envconfig.AsMap()["RDRR_SHARD_CACHE_SIZE"]})

	root.AddCommand(shardsCmd, tensorsCmd, integrityCmd, resolveCmd)
	return root
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}
	usage := "\nEnvironment Variables:\n"
	for _, e := range envs {
		usage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}
	cmd.SetUsageTemplate(cmd.UsageTemplate() + usage)
}
