package cmd

import (
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-undelete/pkg/app/recovery"
)

var (
	// Destination and stream selection (extract-specific)
	extractDest       string
	extractStream     string
	extractRawEFS     bool
	overwriteExisting bool
)

var extractCmd = &cobra.Command{
	Use:   "extract [volume-path] [file-path]",
	Short: "Recover the content of one file",
	Long: `Build a snapshot of the volume and write the content of one file of it.
Paths are slash separated from the volume root and matched case-insensitively.

Clusters that cannot be read are written as zeros. Clusters of a deleted file
that other data has reclaimed are copied as they are; both are reported.

Examples:
  # Recover a deleted file into the current directory
  undelete extract disk.img /Documents/report.docx

  # Recover a named NTFS stream
  undelete extract disk.img /notes.txt --stream Zone.Identifier -d ./out

  # Export an EFS encrypted file in its raw backup format
  undelete extract disk.img /secret.xlsx --raw-efs -d secret.efs

  # Write the content to stdout
  undelete extract disk.img /config.ini -d - > config.ini`,

	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExtract(cmd, args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVarP(&extractDest, "dest", "d", "", "destination file or directory, - for stdout (default: the file's name)")
	extractCmd.Flags().StringVar(&extractStream, "stream", "", "named data stream to extract (NTFS)")
	extractCmd.Flags().BoolVar(&extractRawEFS, "raw-efs", false, "export an encrypted file in raw EFS format (NTFS)")
	extractCmd.Flags().BoolVar(&overwriteExisting, "overwrite", false, "overwrite an existing destination file")
	extractCmd.MarkFlagsMutuallyExclusive("stream", "raw-efs")
	addOptionFlags(extractCmd)
}

func runExtract(cmd *cobra.Command, volumePath, filePath string) error {
	ctx, cancel, err := newContext(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	target, err := volumeTarget(cmd, ctx, volumePath)
	if err != nil {
		return err
	}

	request := &recovery.Request{
		Target:     *target,
		FilePath:   filePath,
		OutputPath: extractDest,
		Stream:     extractStream,
		RawEFS:     extractRawEFS,
		Overwrite:  overwriteExisting,
	}

	response, err := recovery.Handle(ctx, request)
	if err != nil {
		return err
	}

	// the report must not mix with content written to stdout
	out := ctx.Out
	if response.OutputPath == recovery.StdoutPath {
		out = ctx.ErrOut
	}
	if ctx.Quiet {
		return nil
	}
	return recovery.FormatOutput(out, response, ctx.OutputFormat)
}
