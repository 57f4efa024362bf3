package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-undelete/pkg/app/listing"
)

var lostCmd = &cobra.Command{
	Use:   "lost [volume-path]",
	Short: "Show the lost cluster map of a volume",
	Long: `List the runs of clusters that hold no existing file and that no single
deleted file claims. Their content can only be recovered by carving.

Examples:
  undelete lost disk.img
  undelete lost disk.img --scan-vacant -o json`,

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

		response, err := listing.HandleLost(ctx, target)
		if err != nil {
			return err
		}
		return listing.FormatLost(ctx.Out, response, ctx.OutputFormat)
	},
}

func init() {
	rootCmd.AddCommand(lostCmd)
	addOptionFlags(lostCmd)
}
