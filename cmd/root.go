package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/sentryclaw/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "sentryclaw",
	Short: "sentryclaw — per-session provenance and taint-tracking policy gate",
	Long:  "sentryclaw gates tool invocations made by an autonomous agent: per-session taint tracking, a provenance graph over tool arguments, a symlink-hardened path firewall, a secret scanner, and a human-in-the-loop approval bridge.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "policy file (default: ~/.openclaw/policy.json or $OPENCLAW_POLICY)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(versionCmd())
}

func resolvePolicyPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("OPENCLAW_POLICY"); v != "" {
		return v
	}
	return ""
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sentryclaw %s\n", Version)
		},
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
