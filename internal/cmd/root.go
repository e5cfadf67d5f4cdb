package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/pesde-go/pesde/internal/xlog"
	"github.com/spf13/cobra"
)

var (
	projectDir string
	dataDir    string
	authFile   string
	verbose    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pesde",
	Short: "A multi-runtime package manager for the Luau ecosystem",
	Long: `pesde resolves, downloads, and links source packages across the Luau
compile targets, interoperating with the legacy Wally ecosystem.

Packages are stored once in a content-addressed store and hard-linked into
each project's packages folders; a lockfile pins the resolved graph.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(xlog.NewHandler(os.Stderr, level)))
	},
}

// ExecuteContext runs the root command with context
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "project directory (containing pesde.toml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the CAS and cloned indices (default: user cache dir)")
	rootCmd.PersistentFlags().StringVar(&authFile, "auth", "", "path to an armored credentials file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(casCmd)
}
