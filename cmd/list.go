package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-undelete/pkg/app"
	"github.com/deploymenttheory/go-undelete/pkg/app/listing"
)

var (
	// File matching criteria
	namePattern    string
	extensions     []string
	deletedOnly    bool
	includeVirtual bool
	maxResults     int
)

var listCmd = &cobra.Command{
	Use:   "list [volume-path]",
	Short: "List recoverable files of a volume",
	Long: `Build a snapshot of the volume and list its deleted files.

Examples:
  # List deleted files of an image
  undelete list disk.img

  # Include existing files and the NTFS metafiles
  undelete list /dev/sdb1 --show-existing --show-metafiles

  # Deleted PDF and DOCX files only, as JSON
  undelete list evidence.E01 --deleted --ext pdf,docx -o json

  # Sweep free clusters for directories that lost their parent (FAT)
  undelete list usb.img --scan-vacant`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd, args[0])
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&namePattern, "name", "n", "", "filename pattern (wildcards: *, ?)")
	listCmd.Flags().StringSliceVar(&extensions, "ext", nil, "file extensions (pdf,jpg,txt)")
	listCmd.Flags().BoolVar(&deletedOnly, "deleted", false, "only deleted entries")
	listCmd.Flags().BoolVar(&includeVirtual, "all", false, "include the All Deleted Files and Metafiles listings")
	listCmd.Flags().IntVar(&maxResults, "limit", 0, "maximum results (0 for no limit)")
	addOptionFlags(listCmd)
}

// volumeTarget builds the target from the configured options and the
// command's option switches
func volumeTarget(cmd *cobra.Command, ctx *app.Context, path string) (*app.VolumeTarget, error) {
	opts, err := resolveOptions(cmd.Flags(), ctx.Config.Options.Options())
	if err != nil {
		return nil, err
	}
	return &app.VolumeTarget{Path: path, Options: opts}, nil
}

func runList(cmd *cobra.Command, volumePath string) error {
	ctx, cancel, err := newContext(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	target, err := volumeTarget(cmd, ctx, volumePath)
	if err != nil {
		return err
	}

	request := &listing.Request{
		Target:         *target,
		NamePattern:    namePattern,
		Extensions:     extensions,
		DeletedOnly:    deletedOnly,
		IncludeVirtual: includeVirtual,
		MaxResults:     maxResults,
	}

	response, err := listing.Handle(ctx, request)
	if err != nil {
		return err
	}
	ctx.Log(listing.FormatSummary(response))

	return listing.FormatOutput(ctx.Out, response, ctx.OutputFormat)
}
