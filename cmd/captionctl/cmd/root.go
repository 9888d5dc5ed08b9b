package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	cfgFile   string
)

var rootCmd = &cobra.Command{
	Use:   "captionctl",
	Short: "Operate a caption distribution server",
	Long: `captionctl inspects a running caption server and its configuration.

Commands:
  validate - check a configuration file
  feeds    - list feeds and their recent captions
  tail     - follow one feed the way a viewer does
  version  - print the client version`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "Caption server base URL")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "captions.yaml", "Configuration file")
}

func baseURL() string {
	return strings.TrimRight(serverURL, "/")
}

func printError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
}
