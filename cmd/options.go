package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

// optionFlag binds one snapshot option to a command line switch
type optionFlag struct {
	name  string
	opt   types.Options
	usage string
}

var optionFlags = []optionFlag{
	{"show-existing", types.OptShowExisting, "include existing files next to deleted ones"},
	{"scan-vacant", types.OptScanVacantClusters, "sweep free clusters for orphaned directories (FAT)"},
	{"reuse-scan", types.OptReuseScanInfo, "reuse the previous free cluster sweep"},
	{"show-zero", types.OptShowZeroFiles, "include zero length files"},
	{"show-empty-dirs", types.OptShowEmptyDirs, "include directories without recoverable files"},
	{"show-metafiles", types.OptShowMetafiles, "add the Metafiles directory"},
	{"estimate-damage", types.OptEstimateDamage, "classify the recovery condition of deleted files"},
	{"lost-clusters", types.OptLostClusterMap, "compute the lost cluster map"},
}

// addOptionFlags registers a switch per snapshot option. Unset switches
// keep the configured value.
func addOptionFlags(cmd *cobra.Command) {
	for _, f := range optionFlags {
		cmd.Flags().Bool(f.name, false, f.usage)
	}
}

// resolveOptions overlays the switches given on the command line on base
func resolveOptions(flags *pflag.FlagSet, base types.Options) (types.Options, error) {
	opts := base
	for _, f := range optionFlags {
		if !flags.Changed(f.name) {
			continue
		}
		on, err := flags.GetBool(f.name)
		if err != nil {
			return 0, err
		}
		if on {
			opts |= f.opt
		} else {
			opts &^= f.opt
		}
	}
	return opts.Normalize(), nil
}
