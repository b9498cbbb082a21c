package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"promrelay/internal"
)

var cfgFilePath string
var logDir string

var rootCmd = &cobra.Command{
	Use:   "promrelay",
	Short: "promrelay exposes an application metrics registry to Prometheus, OTLP, or Datadog backends",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		instance, err := internal.NewInstance(cfgFilePath, logDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start promrelay: %v\n", err)
			os.Exit(1)
		}

		instance.Run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFilePath, "config", "c", "", "path to the promrelay config file")
	rootCmd.Flags().StringVar(&logDir, "log-dir", "", "directory for promrelay log files (disabled when empty)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
