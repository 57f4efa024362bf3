package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-undelete/pkg/app/listing"
)

var infoCmd = &cobra.Command{
	Use:   "info [volume-path]",
	Short: "Show the filesystem of a volume and count its recoverable files",
	Long: `Detect the filesystem of a volume, build a snapshot and summarize it:
geometry, NTFS version, file counts and the condition of deleted files.

Examples:
  undelete info disk.img
  undelete info /dev/sdb1 -o yaml`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, err := newContext(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		target, err := volumeTarget(cmd, ctx, args[0])
		if err != nil {
			return err
		}

		response, err := listing.HandleInfo(ctx, target)
		if err != nil {
			return err
		}
		return listing.FormatInfo(ctx.Out, response, ctx.OutputFormat)
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
	addOptionFlags(infoCmd)
}
