package ntfs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-undelete/internal/disk"
	"github.com/deploymenttheory/go-undelete/internal/parsers/runs"
	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/testimage"
	"github.com/deploymenttheory/go-undelete/internal/types"
	"github.com/deploymenttheory/go-undelete/internal/volume"
)

const (
	root     = testimage.NTFSRootRecord
	win32    = 1
	dosName  = 2
	archive  = uint32(types.AttrArchive)
	clusters = 256
	records  = 40
)

func openImage(t *testing.T, data []byte) *Builder {
	t.Helper()
	vol, err := volume.New(disk.NewMemoryDevice("ntfs.img", data), "ntfs.img")
	require.NoError(t, err)
	require.Equal(t, types.VolumeNTFS, vol.Type())

	b, err := NewBuilder(vol, Config{})
	require.NoError(t, err)
	return b
}

func update(t *testing.T, b *Builder, opts types.Options) *snapshot.Tree {
	t.Helper()
	tree, err := b.Update(context.Background(), opts, nil)
	require.NoError(t, err)
	return tree
}

func lookup(t *testing.T, tree *snapshot.Tree, p string) *types.FileRecord {
	t.Helper()
	rec, err := tree.Lookup(p)
	require.NoError(t, err, "path %s", p)
	return rec
}

func streamRuns(t *testing.T, s *types.DataStream) []runs.Run {
	t.Helper()
	require.NotNil(t, s)
	list, err := runs.All(s.Pointers)
	require.NoError(t, err)
	return list
}

func deletedFile(parent uint64, name string) *testimage.MFTRecord {
	return testimage.NewMFTRecord(false, false).StandardInfo(archive).FileName(parent, win32, name)
}

func sampleImage() *testimage.NTFSImage {
	img := testimage.NewNTFS(clusters, records)
	img.SetRecord(24, deletedFile(root, "report.docx").
		NonResidentData("", 1000, runs.Run{LCN: 100, Length: 2}))
	img.SetRecord(25, testimage.NewMFTRecord(true, false).StandardInfo(archive).
		FileName(root, win32, "keep.txt").ResidentData("", []byte("hello")))
	img.SetRecord(26, testimage.NewMFTRecord(false, true).StandardInfo(0).
		FileName(root, win32, "old"))
	img.SetRecord(27, deletedFile(26, "inner file.txt").
		FileName(26, dosName, "INNERF~1.TXT").ResidentData("", []byte("abc")))
	img.SetRecord(28, deletedFile(77, "orphan.txt").ResidentData("", []byte("o")))
	img.SetRecord(29, deletedFile(root, "a.txt").
		FileName(26, win32, "b.txt").ResidentData("", []byte("linked")))
	img.SetRecord(30, deletedFile(root, "ads.txt").
		ResidentData("", []byte("x")).ResidentData("secret", []byte("hidden")))
	img.SetRecord(31, deletedFile(root, "enc.bin").
		NonResidentData("", 512, runs.Run{LCN: 110, Length: 1}).
		LoggedStream(types.EFSStreamName, []byte("efs metadata")))
	img.SetRecord(32, deletedFile(root, "zero.txt").ResidentData("", nil))
	return img
}

func TestUpdateDeletedFiles(t *testing.T) {
	b := openImage(t, sampleImage().Bytes())
	tree := update(t, b, types.DefaultOptions)

	report := lookup(t, tree, "/report.docx")
	assert.True(t, report.IsDeleted())
	assert.Equal(t, uint64(1000), report.Size())
	assert.Equal(t, types.ConditionGood, report.Condition)
	assert.Equal(t, 2024, report.LastWriteTime.Year())
	assert.Equal(t, []runs.Run{{LCN: 100, Length: 2}}, streamRuns(t, report.DefaultStream()))

	_, err := tree.Lookup("/keep.txt")
	assert.Error(t, err, "existing files are hidden")
	_, err = tree.Lookup("/zero.txt")
	assert.Error(t, err, "zero length files are hidden")

	old := lookup(t, tree, "/old")
	assert.True(t, old.IsDir)
	assert.True(t, old.IsDeleted())

	inner := lookup(t, tree, "/old/inner file.txt")
	require.Len(t, inner.Names, 1)
	assert.Equal(t, "INNERF~1.TXT", inner.Names[0].ShortName)
	assert.Equal(t, []byte("abc"), inner.DefaultStream().Resident)

	vdir := lookup(t, tree, "/Directory 77")
	assert.True(t, vdir.IsDir)
	assert.True(t, vdir.IsDeleted())
	lookup(t, tree, "/Directory 77/orphan.txt")

	a := lookup(t, tree, "/a.txt")
	assert.Same(t, a, lookup(t, tree, "/old/b.txt"))

	ads := lookup(t, tree, "/ads.txt")
	require.Len(t, ads.Streams, 2)
	assert.Equal(t, []byte("hidden"), ads.Stream("SECRET").Resident)

	enc := lookup(t, tree, "/enc.bin")
	assert.True(t, enc.Has(types.FlagEncrypted))
	require.NotNil(t, enc.Stream(types.EFSStreamName))
	assert.Equal(t, []byte("efs metadata"), enc.Stream(types.EFSStreamName).Resident)

	lookup(t, tree, "/"+snapshot.AllDeletedFilesName+"/report.docx")
	lookup(t, tree, "/"+snapshot.AllDeletedFilesName+"/inner file.txt")

	major, minor := b.Version()
	assert.Equal(t, uint8(3), major)
	assert.Equal(t, uint8(1), minor)
	assert.Empty(t, tree.Warnings)
}

func TestUpdateShowsExistingFiles(t *testing.T) {
	b := openImage(t, sampleImage().Bytes())
	tree := update(t, b, types.DefaultOptions|types.OptShowExisting)

	keep := lookup(t, tree, "/keep.txt")
	assert.False(t, keep.IsDeleted())
	assert.Equal(t, types.ConditionGood, keep.Condition)
	assert.Equal(t, []byte("hello"), keep.DefaultStream().Resident)

	_, err := tree.Lookup("/" + snapshot.AllDeletedFilesName + "/keep.txt")
	assert.Error(t, err)
}

func TestUpdateIsRepeatable(t *testing.T) {
	b := openImage(t, sampleImage().Bytes())
	first := update(t, b, types.DefaultOptions)
	second := update(t, b, types.DefaultOptions)
	assert.Equal(t, first.Entries(true), second.Entries(true))
}

func TestUpdateSkipsDamagedRecords(t *testing.T) {
	img := sampleImage()
	img.Damage(24)
	b := openImage(t, img.Bytes())

	tree := update(t, b, types.DefaultOptions)

	_, err := tree.Lookup("/report.docx")
	assert.Error(t, err)
	lookup(t, tree, "/old/inner file.txt")

	require.Len(t, tree.Warnings, 1)
	assert.True(t, errors.Is(tree.Warnings[0], types.ErrCorruptedMetadata))
	assert.True(t, errors.Is(tree.Warnings[0].Err, errFixupMismatch))
}

func TestUpdateFailsOnDamagedMFTRecord(t *testing.T) {
	img := sampleImage()
	img.Damage(0)
	b := openImage(t, img.Bytes())

	_, err := b.Update(context.Background(), types.DefaultOptions, nil)
	assert.ErrorIs(t, err, types.ErrCorruptedMetadata)
	assert.ErrorIs(t, err, errFixupMismatch)
}

func TestUpdateMergesExtensionRecords(t *testing.T) {
	img := testimage.NewNTFS(clusters, records)
	img.SetRecord(33, deletedFile(root, "big.bin").
		NonResidentData("", 3*testimage.SectorSize, runs.Run{LCN: 120, Length: 2}))
	img.SetRecord(34, testimage.NewMFTRecord(false, false).Extension(33).
		Segment("", 2, runs.Run{LCN: 130, Length: 1}))
	b := openImage(t, img.Bytes())

	tree := update(t, b, types.DefaultOptions)

	big := lookup(t, tree, "/big.bin")
	assert.Equal(t, uint64(3*testimage.SectorSize), big.Size())
	assert.Equal(t, []runs.Run{{LCN: 120, Length: 2}, {LCN: 130, Length: 1}}, streamRuns(t, big.DefaultStream()))
	assert.Equal(t, types.ConditionGood, big.Condition)
}

func TestUpdateMetafiles(t *testing.T) {
	b := openImage(t, sampleImage().Bytes())

	tree := update(t, b, types.DefaultOptions|types.OptShowMetafiles)
	for _, name := range []string{types.MFTStreamName, "$Volume", types.BitmapMetafile} {
		rec := lookup(t, tree, "/"+snapshot.MetafilesName+"/"+name)
		assert.True(t, rec.Has(types.FlagMetafile), name)
	}
	_, err := tree.Lookup("/" + types.MFTStreamName)
	assert.Error(t, err, "metafiles stay out of the root")

	hidden := update(t, b, types.DefaultOptions)
	_, err = hidden.Lookup("/" + snapshot.MetafilesName)
	assert.Error(t, err)
}

func TestUpdateDamageEstimation(t *testing.T) {
	img := testimage.NewNTFS(clusters, records)
	img.SetRecord(24, deletedFile(root, "good.bin").NonResidentData("", 1000, runs.Run{LCN: 100, Length: 2}))
	img.SetRecord(25, deletedFile(root, "poor.bin").NonResidentData("", 1024, runs.Run{LCN: 120, Length: 2}))
	img.SetRecord(26, deletedFile(root, "lost.bin").NonResidentData("", 1024, runs.Run{LCN: 16, Length: 2}))
	img.SetRecord(27, deletedFile(root, "shared1.bin").NonResidentData("", 512, runs.Run{LCN: 140, Length: 1}))
	img.SetRecord(28, deletedFile(root, "shared2.bin").NonResidentData("", 512, runs.Run{LCN: 140, Length: 1}))
	img.SetRecord(29, deletedFile(root, "tiny.txt").ResidentData("", []byte("tiny")))
	img.Allocate(121, 1)
	b := openImage(t, img.Bytes())

	tree := update(t, b, types.OptLostClusterMap)

	assert.Equal(t, types.ConditionGood, lookup(t, tree, "/good.bin").Condition)
	poor := lookup(t, tree, "/poor.bin")
	assert.Equal(t, types.ConditionPoor, poor.Condition)
	assert.Equal(t, uint64(1), poor.DefaultStream().OverwrittenClusters)
	assert.Equal(t, types.ConditionLost, lookup(t, tree, "/lost.bin").Condition)
	assert.Equal(t, types.ConditionFair, lookup(t, tree, "/shared1.bin").Condition)
	assert.Equal(t, types.ConditionFair, lookup(t, tree, "/shared2.bin").Condition)
	assert.Equal(t, types.ConditionGood, lookup(t, tree, "/tiny.txt").Condition)

	// free clusters plus the ones claimed twice
	assert.Equal(t, []types.ClusterSegment{
		{First: 1, Count: 7},
		{First: 9, Count: 7},
		{First: 96, Count: 4},
		{First: 102, Count: 19},
		{First: 122, Count: 134},
	}, tree.LostClusters)
}

func TestUpdateKeepsPartialMFT(t *testing.T) {
	img := sampleImage()
	img.SetRecord(35, deletedFile(root, "late.txt").ResidentData("", []byte("late")))
	// 30 records reachable through the run list
	img.ShortenMFTRuns(60)
	b := openImage(t, img.Bytes())

	tree := update(t, b, types.DefaultOptions)

	lookup(t, tree, "/report.docx")
	_, err := tree.Lookup("/late.txt")
	assert.Error(t, err)
	require.Len(t, tree.Warnings, 1)
	assert.Contains(t, tree.Warnings[0].Error(), "30 of 40 records")
}

func TestUpdateFailsOnShortMFT(t *testing.T) {
	img := sampleImage()
	img.ShortenMFTRuns(20)
	b := openImage(t, img.Bytes())

	_, err := b.Update(context.Background(), types.DefaultOptions, nil)
	assert.Error(t, err)
}

func TestUpdateBreaksParentCycles(t *testing.T) {
	img := testimage.NewNTFS(clusters, records)
	img.SetRecord(36, testimage.NewMFTRecord(false, true).StandardInfo(0).FileName(37, win32, "loopA"))
	img.SetRecord(37, testimage.NewMFTRecord(false, true).StandardInfo(0).FileName(36, win32, "loopB"))
	img.SetRecord(38, deletedFile(36, "in-loop.txt").ResidentData("", []byte("x")))
	b := openImage(t, img.Bytes())

	tree := update(t, b, types.DefaultOptions)

	lookup(t, tree, "/Directory 36/loopB/loopA/in-loop.txt")
	for _, e := range tree.Entries(true) {
		assert.Less(t, len(e.Path), 100, "no path may go around the cycle")
	}
}

func TestUpdateCancelled(t *testing.T) {
	b := openImage(t, sampleImage().Bytes())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Update(ctx, types.DefaultOptions, nil)
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestNewBuilderRejectsOtherVolumes(t *testing.T) {
	img := testimage.NewExFAT(100)
	img.WriteRoot()
	vol, err := volume.New(disk.NewMemoryDevice("exfat.img", img.Bytes()), "exfat.img")
	require.NoError(t, err)

	_, err = NewBuilder(vol, Config{})
	assert.ErrorIs(t, err, types.ErrUnsupportedFormat)
}
