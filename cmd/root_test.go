package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-undelete/internal/services"
	"github.com/deploymenttheory/go-undelete/internal/testimage"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// resetFlags restores every flag to its default between runs
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if s, ok := f.Value.(pflag.SliceValue); ok {
			s.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// setup writes a FAT16 image with one deleted file and a configuration
// directory that disables partition detection
func setup(t *testing.T) (image, configDir string) {
	t.Helper()
	dir := t.TempDir()

	img := testimage.NewFAT16(5000)
	img.WriteRoot(
		testimage.ShortEntry("KEEP.TXT", types.FATAttrArchive, 2, 4),
		testimage.Delete(testimage.FileEntries("gone.txt", "GONE.TXT", types.FATAttrArchive, 10, 7)),
	)
	img.Chain(2, 1)
	img.WriteCluster(2, []byte("keep"))
	img.WriteCluster(10, []byte("goodbye"))
	image = filepath.Join(dir, "volume.img")
	require.NoError(t, os.WriteFile(image, img.Bytes(), 0o600))

	configDir = filepath.Join(dir, "config")
	require.NoError(t, os.Mkdir(configDir, 0o700))
	body := "device:\n  auto_detect_partition: false\nlog_level: error\n"
	require.NoError(t, os.WriteFile(filepath.Join(configDir, services.ConfigName+".yaml"), []byte(body), 0o600))
	return image, configDir
}

func TestListCommand(t *testing.T) {
	image, configDir := setup(t)

	stdout, _, err := run(t, "list", image, "--config", configDir, "-o", "json")
	require.NoError(t, err)

	var resp struct {
		Files []struct {
			Path    string `json:"path"`
			Deleted bool   `json:"deleted"`
		} `json:"files"`
		TotalFound int `json:"total_found"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	require.Len(t, resp.Files, 1)
	assert.Equal(t, "/gone.txt", resp.Files[0].Path)
	assert.True(t, resp.Files[0].Deleted)

	stdout, _, err = run(t, "list", image, "--config", configDir, "--show-existing")
	require.NoError(t, err)
	assert.Contains(t, stdout, "/KEEP.TXT")
	assert.Contains(t, stdout, "/gone.txt")
	assert.Contains(t, stdout, "Found 2 entries")
}

func TestExtractCommand(t *testing.T) {
	image, configDir := setup(t)
	dest := filepath.Join(t.TempDir(), "gone.txt")

	stdout, _, err := run(t, "extract", image, "/gone.txt", "--config", configDir, "-d", dest)
	require.NoError(t, err)
	assert.Contains(t, stdout, "7 of 7 bytes")

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "goodbye", string(data))
}

func TestExtractCommandToStdout(t *testing.T) {
	image, configDir := setup(t)

	stdout, stderr, err := run(t, "extract", image, "/GONE.TXT", "--config", configDir, "-d", "-")
	require.NoError(t, err)
	assert.Equal(t, "goodbye", stdout)
	assert.Contains(t, stderr, "Written:")
}

func TestInfoAndLostCommands(t *testing.T) {
	image, configDir := setup(t)

	stdout, _, err := run(t, "info", image, "--config", configDir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "FAT16")
	assert.Contains(t, stdout, "Deleted:")

	stdout, _, err = run(t, "lost", image, "--config", configDir, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "lost_clusters:")
}

func TestConfigCommand(t *testing.T) {
	_, configDir := setup(t)

	stdout, _, err := run(t, "config", "--config", configDir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "auto_detect_partition: false")
	assert.Contains(t, stdout, "log_level: error")
	assert.Contains(t, stdout, "scheduler: heap")
}

func TestCommandErrors(t *testing.T) {
	image, configDir := setup(t)

	_, _, err := run(t, "list", image, "--config", configDir, "-o", "xml")
	assert.EqualError(t, err, "unsupported output format: xml")

	_, _, err = run(t, "extract", image, "/missing.txt", "--config", configDir, "-d", t.TempDir())
	assert.Error(t, err)

	_, _, err = run(t, "list")
	assert.Error(t, err)
}

func TestResolveOptions(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cmd := &cobra.Command{}
	addOptionFlags(cmd)
	flags.AddFlagSet(cmd.Flags())
	require.NoError(t, flags.Parse([]string{"--show-existing", "--estimate-damage=false", "--lost-clusters"}))

	opts, err := resolveOptions(flags, types.DefaultOptions)
	require.NoError(t, err)
	assert.True(t, opts.Has(types.OptShowExisting))
	assert.True(t, opts.Has(types.OptShowEmptyDirs), "unset switches keep the base")
	assert.True(t, opts.Has(types.OptEstimateDamage), "lost clusters imply estimation")
	assert.True(t, opts.Has(types.OptLostClusterMap))

	require.NoError(t, flags.Parse([]string{"--show-empty-dirs=false"}))
	opts, err = resolveOptions(flags, types.DefaultOptions)
	require.NoError(t, err)
	assert.False(t, opts.Has(types.OptShowEmptyDirs))
}
