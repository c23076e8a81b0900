package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor   bool
	serverURL string
	apiToken  string
)

var rootCmd = &cobra.Command{
	Use:   "lernpfad",
	Short: "Turn a text into a quiz or a discovery path",
	Long: `lernpfad analyses a text with a language model and turns it into a
multiple-choice quiz or a discovery path of explorable topics.

Run "lernpfad serve" to start the HTTP API and workflow executor, then use
the client commands to submit content and follow its progress.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server base URL (default: http://127.0.0.1:<server.port>)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API bearer token (default: LERNPFAD_API_TOKEN)")

	rootCmd.AddCommand(serveCmd, mcpCmd, healthCmd)
	rootCmd.AddCommand(submitCmd, statusCmd, watchCmd, generateCmd, resultCmd, jobsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
