package recovery

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-undelete/internal/testimage"
	"github.com/deploymenttheory/go-undelete/internal/types"
	"github.com/deploymenttheory/go-undelete/pkg/app"
)

// writeImage stores a FAT16 volume holding a recoverable deleted file and a
// deleted file whose second cluster was reclaimed
func writeImage(t *testing.T) string {
	t.Helper()
	img := testimage.NewFAT16(5000)
	img.WriteRoot(
		testimage.Delete(testimage.FileEntries("hello.txt", "HELLO.TXT", types.FATAttrArchive, 10, 11)),
		testimage.Delete(testimage.FileEntries("big.bin", "BIG.BIN", types.FATAttrArchive, 20, 600)),
		testimage.ShortEntry("NEW.TXT", types.FATAttrArchive, 20, 5),
	)
	img.WriteCluster(10, []byte("hello world"))
	img.Chain(20, 1)
	img.WriteCluster(20, bytes.Repeat([]byte{'n'}, testimage.SectorSize))
	img.WriteCluster(21, bytes.Repeat([]byte{'b'}, testimage.SectorSize))

	p := filepath.Join(t.TempDir(), "volume.img")
	require.NoError(t, os.WriteFile(p, img.Bytes(), 0o600))
	return p
}

func testContext() *app.Context {
	ctx := app.NewContext()
	ctx.Config.Device.AutoDetectPartition = false
	ctx.Out = &bytes.Buffer{}
	ctx.ErrOut = &bytes.Buffer{}
	return ctx
}

func target(volume string) app.VolumeTarget {
	return app.VolumeTarget{Path: volume, Options: types.DefaultOptions | types.OptShowExisting}
}

func TestHandleExtractsDeletedFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "recovered.txt")

	resp, err := Handle(testContext(), &Request{
		Target:     target(writeImage(t)),
		FilePath:   "/hello.txt",
		OutputPath: out,
	})
	require.NoError(t, err)

	assert.True(t, resp.Complete())
	assert.Equal(t, out, resp.OutputPath)
	assert.Equal(t, uint64(11), resp.Report.Written)
	assert.True(t, resp.Report.Deleted)
	assert.Equal(t, types.ConditionGood, resp.Report.Condition)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestHandleIntoDirectory(t *testing.T) {
	dir := t.TempDir()

	resp, err := Handle(testContext(), &Request{
		Target:     target(writeImage(t)),
		FilePath:   "/HELLO.TXT",
		OutputPath: dir,
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "HELLO.TXT"), resp.OutputPath)
	assert.FileExists(t, resp.OutputPath)
}

func TestHandleToStdout(t *testing.T) {
	ctx := testContext()

	resp, err := Handle(ctx, &Request{
		Target:     target(writeImage(t)),
		FilePath:   "/hello.txt",
		OutputPath: StdoutPath,
	})
	require.NoError(t, err)

	assert.Equal(t, StdoutPath, resp.OutputPath)
	assert.Equal(t, "hello world", ctx.Out.(*bytes.Buffer).String())
}

func TestHandleOverwrittenFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "big.bin")

	resp, err := Handle(testContext(), &Request{
		Target:     target(writeImage(t)),
		FilePath:   "/big.bin",
		OutputPath: out,
	})
	require.NoError(t, err)

	require.False(t, resp.Complete())
	assert.Equal(t, uint64(1), resp.Partial.Overwritten)
	assert.Zero(t, resp.Partial.Missing)
	assert.Equal(t, uint64(2), resp.Partial.Read)
	assert.Empty(t, resp.Partial.Cause)
	assert.Equal(t, types.ConditionPoor, resp.Report.Condition)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, data, 600)
	assert.Equal(t, bytes.Repeat([]byte{'n'}, testimage.SectorSize), data[:testimage.SectorSize])
	assert.Equal(t, bytes.Repeat([]byte{'b'}, 88), data[testimage.SectorSize:])
}

func TestHandleRefusesToOverwrite(t *testing.T) {
	volume := writeImage(t)
	out := filepath.Join(t.TempDir(), "existing.txt")
	require.NoError(t, os.WriteFile(out, []byte("keep"), 0o600))

	_, err := Handle(testContext(), &Request{Target: target(volume), FilePath: "/hello.txt", OutputPath: out})
	var ce *app.CommonError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, app.ErrCodeInvalidInput, ce.Code)
	data, _ := os.ReadFile(out)
	assert.Equal(t, "keep", string(data))

	_, err = Handle(testContext(), &Request{Target: target(volume), FilePath: "/hello.txt", OutputPath: out, Overwrite: true})
	require.NoError(t, err)
	data, _ = os.ReadFile(out)
	assert.Equal(t, "hello world", string(data))
}

func TestHandleErrors(t *testing.T) {
	volume := writeImage(t)
	dir := t.TempDir()

	tests := []struct {
		name    string
		request *Request
		code    string
	}{
		{"missing volume path", &Request{FilePath: "/hello.txt"}, app.ErrCodeInvalidInput},
		{"missing file path", &Request{Target: target(volume)}, app.ErrCodeInvalidInput},
		{"stream and raw", &Request{Target: target(volume), FilePath: "/hello.txt", Stream: "x", RawEFS: true}, app.ErrCodeInvalidInput},
		{"unknown file", &Request{Target: target(volume), FilePath: "/nothing.txt", OutputPath: dir}, app.ErrCodeNotFound},
		{"unknown stream", &Request{Target: target(volume), FilePath: "/hello.txt", Stream: "NOTES", OutputPath: dir}, app.ErrCodeInternalEngine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Handle(testContext(), tt.request)
			var ce *app.CommonError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.code, ce.Code)
		})
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed extractions leave no files behind")
}

func TestFormatOutput(t *testing.T) {
	volume := writeImage(t)
	resp, err := Handle(testContext(), &Request{
		Target:     target(volume),
		FilePath:   "/big.bin",
		OutputPath: filepath.Join(t.TempDir(), "big.bin"),
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, FormatOutput(&out, resp, "table"))
	assert.Contains(t, out.String(), "Written:")
	assert.Contains(t, out.String(), "600 of 600 bytes")
	assert.Contains(t, out.String(), "Condition:")
	assert.Contains(t, out.String(), "poor")
	assert.True(t, strings.Contains(out.String(), "Clusters overwritten:"))

	out.Reset()
	require.NoError(t, FormatOutput(&out, resp, "json"))
	assert.Contains(t, out.String(), `"overwritten": 1`)

	out.Reset()
	require.NoError(t, FormatOutput(&out, resp, "yaml"))
	assert.Contains(t, out.String(), "condition: poor")

	assert.Error(t, FormatOutput(&out, resp, "csv"))
}
