// cosa-stages is the CLI entrypoint for the media pipeline
// orchestrator: prepare, run, and status subcommands, following
// gangplank/cmd/main.go's cobra root-command shape.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/coreos/stagerunner/internal/config"
)

var version = "devel"

var globalConfigPath string

var cmdRoot = &cobra.Command{
	Use:   "cosa-stages [command]",
	Short: "media pipeline stage orchestrator",
	Long:  "Prepares and runs a long-running, resumable, cache-accelerated media processing pipeline.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		if global, err := config.LoadGlobal(globalConfigPath, envMap()); err == nil {
			if lvl, err := log.ParseLevel(global.LogLevel); err == nil {
				log.SetLevel(lvl)
			}
		}
	},
}

var cmdVersion = &cobra.Command{
	Use:   "version",
	Short: "print the version number and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cosa-stages version %s\n", version)
	},
}

func init() {
	cmdRoot.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to global config YAML")
	cmdRoot.AddCommand(cmdVersion, cmdPrepare, cmdRun, cmdStatus)
}

func main() {
	// Each subcommand's Run function exits with its own spec-mandated code on
	// failure; a generic cobra usage error (bad flags) still exits 2.
	if err := cmdRoot.Execute(); err != nil {
		os.Exit(2)
	}
}
