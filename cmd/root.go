package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-undelete/internal/services"
	"github.com/deploymenttheory/go-undelete/pkg/app"
)

var (
	// Global output flags only
	verbose      bool
	quiet        bool
	outputFormat string
	configDir    string
	timeout      time.Duration

	// config is loaded once before any subcommand runs
	config *services.Config
)

var rootCmd = &cobra.Command{
	Use:   "undelete",
	Short: "Read-only recovery of deleted files from FAT, exFAT and NTFS volumes",
	Long: `undelete reads FAT12/16/32, exFAT and NTFS volumes directly from raw disks,
partitions or image files (.img, .E01, .vmdk) and rebuilds a tree of the
deleted files that are still recoverable. Nothing is ever written to the
volume.

Commands:
  info        Summarize the volume and its recoverable files
  list        List deleted (and optionally existing) files
  extract     Write the content of one file to disk
  lost        Show clusters that no recoverable file claims
  config      Show the effective configuration`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var paths []string
		if configDir != "" {
			paths = append(paths, configDir)
		}
		loaded, err := services.LoadConfig(paths...)
		if err != nil {
			return err
		}
		config = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	// Only global output control flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "directory holding "+services.ConfigName+".yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "abort the operation after this long (0 for no limit)")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quiet
}

// GetOutputFormat returns the output format
func GetOutputFormat() string {
	return outputFormat
}

// newContext builds the application context shared by every subcommand.
// The returned cancel releases the timeout or the cancellation scope.
func newContext(cmd *cobra.Command) (*app.Context, context.CancelFunc, error) {
	ctx := app.NewContext()
	if c := cmd.Context(); c != nil {
		ctx.Context = c
	}
	ctx.OutputFormat = GetOutputFormat()
	ctx.Verbose = GetVerbose()
	ctx.Quiet = GetQuiet()
	ctx.Out = cmd.OutOrStdout()
	ctx.ErrOut = cmd.ErrOrStderr()
	ctx.DefaultTimeout = timeout
	if config != nil {
		ctx.Config = config
	}
	if err := ctx.ConfigureLogging(); err != nil {
		return nil, nil, err
	}

	if ctx.Verbose {
		last := ""
		ctx.SetProgress(func(message string, percent int) {
			if message != last {
				last = message
				ctx.Log(fmt.Sprintf("[%3d%%] %s", percent, message))
			}
		})
	}
	scoped, cancel := ctx.Scoped()
	return scoped, cancel, nil
}
