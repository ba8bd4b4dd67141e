// Package commands implements the embedctl command line.
package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/histo-embed/server/internal/config"
	"github.com/histo-embed/server/internal/logger"
)

const version = "0.1.0"

var (
	configPath string
	logLevel   string

	cfg       *config.Config
	logCloser io.Closer
)

// rootCmd is the root command
var rootCmd = &cobra.Command{
	Use:     "embedctl",
	Short:   "Sample and preview histopathology tile embeddings",
	Version: version,
	Long: `A command-line tool for building tile embedding datasets from a slide
manifest and rendering tile previews without running the server.`,
	Example: `  # Sample 16 tiles per slide and export rows and features
  $ embedctl sample slides.csv -k 16 --rows rows.csv --features features.npy

  # Render one tile and its context window
  $ embedctl tile --wsi a.svs --coords a_coords.npy --index 42 --context-dim 2

  # Render a preview gallery for selected rows
  $ embedctl gallery slides.csv --select 1,5,9 --out-dir previews`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		closer, err := logger.Setup(c.Log)
		if err != nil {
			return err
		}
		cfg, logCloser = c, closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

// Execute executes the root command
func Execute() error {
	rootCmd.SetVersionTemplate(fmt.Sprintf("embedctl version %s\n", version))
	return rootCmd.Execute()
}

func init() {
	// Disable default completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/server.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	// Add subcommands
	rootCmd.AddCommand(sampleCmd)
	rootCmd.AddCommand(tileCmd)
	rootCmd.AddCommand(galleryCmd)
}

func cliLogger() *slog.Logger {
	return slog.Default().With("cmd", "embedctl")
}
