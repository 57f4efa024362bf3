package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-undelete/internal/disk"
	"github.com/deploymenttheory/go-undelete/internal/interfaces"
	"github.com/deploymenttheory/go-undelete/internal/parsers/runs"
	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/testimage"
	"github.com/deploymenttheory/go-undelete/internal/types"
	"github.com/deploymenttheory/go-undelete/internal/volume"
)

// badRangeDevice fails every read that touches [from, to)
type badRangeDevice struct {
	*disk.MemoryDevice
	from, to int64
}

func (d *badRangeDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < d.to && off+int64(len(p)) > d.from {
		return 0, fmt.Errorf("medium error at %d", off)
	}
	return d.MemoryDevice.ReadAt(p, off)
}

func newEngine(t *testing.T, dev interfaces.Device, config *Config) *Engine {
	t.Helper()
	vol, err := volume.New(dev, "test.img")
	require.NoError(t, err)
	e, err := NewEngine(vol, config)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func memoryEngine(t *testing.T, data []byte) *Engine {
	t.Helper()
	return newEngine(t, disk.NewMemoryDevice("test.img", data), nil)
}

func update(t *testing.T, e *Engine, opts types.Options) *snapshot.Tree {
	t.Helper()
	tree, err := e.Update(context.Background(), opts, nil)
	require.NoError(t, err)
	return tree
}

func extract(t *testing.T, e *Engine, p string) ([]byte, *ExtractReport, error) {
	t.Helper()
	h, err := e.Lookup(p)
	require.NoError(t, err, "path %s", p)
	var out bytes.Buffer
	report, err := e.Extract(context.Background(), h, "", &out)
	return out.Bytes(), report, err
}

func cluster(fill byte, head string) []byte {
	b := bytes.Repeat([]byte{fill}, testimage.SectorSize)
	copy(b, head)
	return b
}

func TestExistingAndDeletedFileRecovery(t *testing.T) {
	img := testimage.NewFAT32(65536)
	img.WriteRoot(
		testimage.ShortEntry("A.TXT", types.FATAttrArchive, 3, 10),
		testimage.Delete(testimage.FileEntries("B.TXT", "B.TXT", types.FATAttrArchive, 4, 10)),
	)
	img.Chain(3, 1)
	img.WriteCluster(3, []byte("aaaaaaaaaa"))
	img.WriteCluster(4, []byte("bbbbbbbbbb"))
	e := memoryEngine(t, img.Bytes())

	tree := update(t, e, types.OptShowExisting|types.OptEstimateDamage)

	a, err := tree.Lookup("/A.TXT")
	require.NoError(t, err)
	assert.False(t, a.IsDeleted())
	assert.Equal(t, types.ConditionGood, a.Condition)

	b, err := tree.Lookup("/B.TXT")
	require.NoError(t, err)
	assert.True(t, b.IsDeleted())
	assert.Equal(t, types.ConditionGood, b.Condition)

	data, report, err := extract(t, e, "/B.TXT")
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbbbbbbbb"), data)
	assert.Equal(t, uint64(10), report.Written)
	assert.True(t, report.Deleted)
	assert.Empty(t, report.Warning)

	data, _, err = extract(t, e, "/A.TXT")
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaaaaaaaa"), data)
}

func TestOverwrittenFileRecovery(t *testing.T) {
	img := testimage.NewFAT32(65536)
	img.WriteRoot(
		testimage.Delete(testimage.FileEntries("B.TXT", "B.TXT", types.FATAttrArchive, 4, 600)),
		testimage.ShortEntry("C.TXT", types.FATAttrArchive, 4, 10),
	)
	img.Chain(4, 1)
	img.WriteCluster(4, cluster(0, "cccccccccc"))
	img.WriteCluster(5, cluster('b', ""))
	e := memoryEngine(t, img.Bytes())

	tree := update(t, e, types.OptShowExisting|types.OptEstimateDamage)

	b, err := tree.Lookup("/B.TXT")
	require.NoError(t, err)
	assert.Equal(t, types.ConditionPoor, b.Condition)

	data, report, err := extract(t, e, "/B.TXT")
	var perr *types.PartialReadError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, uint64(1), perr.Overwritten)
	assert.Zero(t, perr.Missing)
	assert.Equal(t, uint64(2), perr.Read)

	require.Len(t, data, 600)
	assert.Equal(t, cluster(0, "cccccccccc"), data[:512], "reclaimed cluster holds the new file")
	assert.Equal(t, bytes.Repeat([]byte{'b'}, 88), data[512:])
	assert.Equal(t, uint64(600), report.Written)
	assert.Equal(t, types.ConditionPoor, report.Condition)
}

func TestLostFileRecoveryWarns(t *testing.T) {
	img := testimage.NewFAT16(5000)
	img.WriteRoot(
		testimage.Delete(testimage.FileEntries("gone.txt", "GONE.TXT", types.FATAttrArchive, 4, 10)),
		testimage.ShortEntry("C.TXT", types.FATAttrArchive, 4, 10),
	)
	img.Chain(4, 1)
	img.WriteCluster(4, []byte("cccccccccc"))
	e := memoryEngine(t, img.Bytes())
	update(t, e, types.OptEstimateDamage)

	data, report, err := extract(t, e, "/gone.txt")
	var perr *types.PartialReadError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, uint64(1), perr.Overwritten)
	assert.Equal(t, []byte("cccccccccc"), data)
	assert.Equal(t, types.ConditionLost, report.Condition)
	assert.NotEmpty(t, report.Warning)
}

func TestExtractReplacesUnreadableClusters(t *testing.T) {
	img := testimage.NewFAT16(5000)
	img.WriteRoot(testimage.ShortEntry("DATA.BIN", types.FATAttrArchive, 10, 3*testimage.SectorSize))
	img.Chain(10, 3)
	img.WriteCluster(10, cluster('1', ""))
	img.WriteCluster(11, cluster('2', ""))
	img.WriteCluster(12, cluster('3', ""))
	bad := int64(img.ClusterOffset(11))
	dev := &badRangeDevice{
		MemoryDevice: disk.NewMemoryDevice("bad.img", img.Bytes()),
		from:         bad,
		to:           bad + testimage.SectorSize,
	}
	e := newEngine(t, dev, nil)
	update(t, e, types.DefaultOptions|types.OptShowExisting)

	data, report, err := extract(t, e, "/DATA.BIN")
	var perr *types.PartialReadError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, uint64(1), perr.Missing)
	assert.Equal(t, uint64(2), perr.Read)
	assert.ErrorIs(t, err, types.ErrVolumeIO)

	want := append(append(cluster('1', ""), make([]byte, testimage.SectorSize)...), cluster('3', "")...)
	assert.Equal(t, want, data)
	assert.Equal(t, uint64(3*testimage.SectorSize), report.Written)
}

func TestStaleHandles(t *testing.T) {
	img := testimage.NewFAT16(5000)
	img.WriteRoot(testimage.Delete(testimage.FileEntries("old.txt", "OLD.TXT", types.FATAttrArchive, 4, 5)))
	img.WriteCluster(4, []byte("hello"))
	e := memoryEngine(t, img.Bytes())

	first := update(t, e, types.DefaultOptions)
	h, err := e.Lookup("/old.txt")
	require.NoError(t, err)
	assert.Equal(t, first.Generation, h.Generation)

	second := update(t, e, types.DefaultOptions)
	assert.NotEqual(t, first.Generation, second.Generation)

	_, err = e.Extract(context.Background(), h, "", &bytes.Buffer{})
	assert.ErrorIs(t, err, types.ErrStaleHandle)
	_, err = e.ExportRaw(context.Background(), h, &bytes.Buffer{})
	assert.ErrorIs(t, err, types.ErrStaleHandle)

	fresh, err := e.Lookup("/old.txt")
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = e.Extract(context.Background(), fresh, "", &out)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.String())
}

func TestUpdateIsNotReentrant(t *testing.T) {
	img := testimage.NewFAT16(5000)
	img.WriteRoot(testimage.Delete(testimage.FileEntries("old.txt", "OLD.TXT", types.FATAttrArchive, 4, 5)))
	e := memoryEngine(t, img.Bytes())
	update(t, e, types.DefaultOptions)
	h, err := e.Lookup("/old.txt")
	require.NoError(t, err)

	e.updating.Store(true)
	_, err = e.Update(context.Background(), types.DefaultOptions, nil)
	assert.ErrorIs(t, err, types.ErrBusy)
	_, err = e.Extract(context.Background(), h, "", &bytes.Buffer{})
	assert.ErrorIs(t, err, types.ErrBusy)

	e.updating.Store(false)
	_, err = e.Extract(context.Background(), h, "", &bytes.Buffer{})
	assert.NoError(t, err)
}

func TestFailedUpdateKeepsSnapshot(t *testing.T) {
	img := testimage.NewFAT16(5000)
	img.WriteRoot(testimage.Delete(testimage.FileEntries("old.txt", "OLD.TXT", types.FATAttrArchive, 4, 5)))
	e := memoryEngine(t, img.Bytes())
	tree := update(t, e, types.DefaultOptions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Update(ctx, types.DefaultOptions, nil)
	assert.ErrorIs(t, err, types.ErrCancelled)

	current, err := e.Snapshot()
	require.NoError(t, err)
	assert.Same(t, tree, current)
}

func TestNoSnapshot(t *testing.T) {
	e := memoryEngine(t, testimage.NewFAT16(5000).Bytes())

	_, err := e.Snapshot()
	assert.ErrorIs(t, err, types.ErrNoSnapshot)
	_, err = e.Lookup("/x")
	assert.ErrorIs(t, err, types.ErrNoSnapshot)
	_, err = e.LostClusterMap()
	assert.ErrorIs(t, err, types.ErrNoSnapshot)
}

func TestExtractNamedStreams(t *testing.T) {
	img := testimage.NewNTFS(256, 40)
	img.SetRecord(24, testimage.NewMFTRecord(false, false).StandardInfo(0).
		FileName(testimage.NTFSRootRecord, 1, "ads.txt").
		ResidentData("", []byte("main")).
		ResidentData("notes", []byte("hidden")))
	img.SetRecord(25, testimage.NewMFTRecord(false, false).StandardInfo(0).
		FileName(testimage.NTFSRootRecord, 1, "big.bin").
		NonResidentData("", 700, runs.Run{LCN: 100, Length: 2}))
	img.WriteCluster(100, bytes.Repeat([]byte{'z'}, 1024))
	e := memoryEngine(t, img.Bytes())
	update(t, e, types.DefaultOptions)

	h, err := e.Lookup("/ads.txt")
	require.NoError(t, err)
	var out bytes.Buffer
	report, err := e.Extract(context.Background(), h, "NOTES", &out)
	require.NoError(t, err)
	assert.Equal(t, "hidden", out.String())
	assert.Equal(t, "notes", report.Stream)

	_, err = e.Extract(context.Background(), h, "missing", &bytes.Buffer{})
	assert.Error(t, err)

	data, _, err := extract(t, e, "/big.bin")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{'z'}, 700), data)

	root, err := e.Lookup("/")
	require.NoError(t, err)
	_, err = e.Extract(context.Background(), root, "", &bytes.Buffer{})
	assert.Error(t, err, "directories have no content")
}

func TestExtractEncryptedFileExportsRaw(t *testing.T) {
	img := testimage.NewNTFS(256, 40)
	img.SetRecord(24, testimage.NewMFTRecord(false, false).StandardInfo(0).
		FileName(testimage.NTFSRootRecord, 1, "secret.doc").
		ResidentData("", []byte("ciphertext")).
		LoggedStream(types.EFSStreamName, []byte("efs key blob")))
	e := memoryEngine(t, img.Bytes())
	update(t, e, types.DefaultOptions)

	data, report, err := extract(t, e, "/secret.doc")
	require.NoError(t, err)
	assert.True(t, report.RawEFS)
	assert.Equal(t, uint64(len(data)), report.Written)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 'R', 'O', 'B', 'S'}, data[:8])
	assert.True(t, bytes.Contains(data, []byte("ciphertext")))
	assert.True(t, bytes.Contains(data, []byte("efs key blob")))

	h, err := e.Lookup("/secret.doc")
	require.NoError(t, err)
	var raw bytes.Buffer
	_, err = e.ExportRaw(context.Background(), h, &raw)
	require.NoError(t, err)
	assert.Equal(t, data, raw.Bytes())
}

func TestInfoAndLostClusterMap(t *testing.T) {
	e := memoryEngine(t, testimage.NewNTFS(256, 40).Bytes())

	info := e.Info()
	assert.Equal(t, types.VolumeNTFS.String(), info.Type)
	assert.Empty(t, info.Version, "read by the first update")
	assert.Equal(t, uint32(testimage.SectorSize), info.BytesPerCluster)
	assert.Equal(t, uint64(256), info.ClusterCount)
	assert.Equal(t, disk.KindMemory, info.Device)

	update(t, e, types.DefaultOptions)
	assert.Equal(t, "3.1", e.Info().Version)
	_, err := e.LostClusterMap()
	assert.Error(t, err, "map not requested")

	update(t, e, types.OptLostClusterMap)
	lost, err := e.LostClusterMap()
	require.NoError(t, err)
	assert.NotEmpty(t, lost)
}

func TestOpenImageFile(t *testing.T) {
	img := testimage.NewFAT16(5000)
	img.WriteRoot(testimage.Delete(testimage.FileEntries("old.txt", "OLD.TXT", types.FATAttrArchive, 4, 5)))
	img.WriteCluster(4, []byte("hello"))
	p := filepath.Join(t.TempDir(), "fat16.img")
	require.NoError(t, os.WriteFile(p, img.Bytes(), 0o600))

	config := DefaultConfig()
	config.Device.AutoDetectPartition = false
	config.Scheduler = "fifo"
	e, err := Open(p, config)
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, types.VolumeFAT16.String(), e.Info().Type)
	update(t, e, config.Options.Options())
	data, _, err := extract(t, e, "/old.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestOpenRejectsUnknownVolumes(t *testing.T) {
	p := filepath.Join(t.TempDir(), "blank.img")
	require.NoError(t, os.WriteFile(p, make([]byte, 64*1024), 0o600))

	config := DefaultConfig()
	config.Device.AutoDetectPartition = false
	_, err := Open(p, config)
	assert.ErrorIs(t, err, types.ErrUnsupportedFormat)

	_, err = Open(filepath.Join(t.TempDir(), "missing.img"), config)
	assert.ErrorIs(t, err, types.ErrVolumeIO)
}
