package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"marketchat/internal/infra/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	envFiles []string
)

var rootCmd = &cobra.Command{
	Use:   "marketchat",
	Short: "Campus marketplace chat service",
	Long: `marketchat serves buyer and seller conversations about marketplace listings.

Examples:
  marketchat serve
  marketchat migrate
  marketchat session issue --user 6f1c... --role admin`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(envFiles...)
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")
	rootCmd.AddCommand(serveCmd, migrateCmd, sessionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
