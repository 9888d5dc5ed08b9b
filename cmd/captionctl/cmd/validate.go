package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-captions/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file",
	Long: `Loads the configuration file the same way the server does, including
CAPTION_* environment overrides, and reports the first problem found.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		printError("invalid configuration", err)
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", cfgFile)
	fmt.Fprintf(out, "  feeds:          %d\n", len(cfg.Feeds))
	fmt.Fprintf(out, "  history window: %s\n", cfg.History.Window())
	fmt.Fprintf(out, "  bus:            embedded=%t stream=%q\n", cfg.Bus.Embedded, cfg.Bus.Stream)
	fmt.Fprintf(out, "  sinks:          vmix=%t file=%t kafka=%t archive=%t\n",
		cfg.VMix.Enabled, cfg.FileOutput.Enabled, cfg.Kafka.Enabled, cfg.Archive.Enabled)
	return nil
}
