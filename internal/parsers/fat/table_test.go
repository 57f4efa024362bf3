package fat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-undelete/internal/interfaces"
	"github.com/deploymenttheory/go-undelete/internal/testimage"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

func testBuilder(vt types.VolumeType, clusters uint32) *Builder {
	return &Builder{
		vtype: vt,
		bpc:   512,
		fat: &table{
			entries: make([]uint32, clusters+2),
			eoc:     eocFor(vt),
			count:   clusters,
		},
	}
}

func TestDecodeTable(t *testing.T) {
	tests := []struct {
		name string
		vt   types.VolumeType
		raw  []byte
		want []uint32
	}{
		{
			name: "FAT12 packs two entries in three bytes",
			vt:   types.VolumeFAT12,
			raw:  []byte{0xF8, 0xFF, 0xFF, 0x03, 0xF0, 0xFF},
			want: []uint32{0xFF8, 0xFFF, 0x003, 0xFFF},
		},
		{
			name: "FAT16",
			vt:   types.VolumeFAT16,
			raw:  []byte{0xF8, 0xFF, 0xFF, 0xFF, 0x03, 0x00, 0xFF, 0xFF},
			want: []uint32{0xFFF8, 0xFFFF, 0x0003, 0xFFFF},
		},
		{
			name: "FAT32 ignores the top four bits",
			vt:   types.VolumeFAT32,
			raw:  []byte{0xF8, 0xFF, 0xFF, 0x0F, 0xFF, 0xFF, 0xFF, 0xFF, 0x03, 0x00, 0x00, 0xF0},
			want: []uint32{0x0FFFFFF8, 0x0FFFFFFF, 0x00000003},
		},
		{
			name: "entries past the end are free",
			vt:   types.VolumeFAT16,
			raw:  []byte{0xF8, 0xFF},
			want: []uint32{0xFFF8, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeTable(tt.raw, tt.vt, len(tt.want)))
		})
	}
}

func TestTableDamage(t *testing.T) {
	b := testBuilder(types.VolumeFAT16, 10)
	tab := b.fat
	tab.entries[2] = 3
	tab.entries[3] = 0xFFFF

	for i := 0; i < 3; i++ {
		tab.increaseDamage(5)
	}
	tab.increaseDamage(6)
	tab.mark(2, types.FATMarkDelDir)

	assert.Equal(t, uint8(2), tab.damage(5), "damage saturates")
	assert.Equal(t, uint8(1), tab.damage(6))
	assert.Equal(t, uint32(3), tab.value(2), "marks are not part of the value")
	assert.True(t, tab.used(3))
	assert.False(t, tab.used(5))
	assert.Equal(t, uint64(2), tab.countUsed())

	// 4 and 5 are lost, 6 belongs to one deleted file, 7..11 are untouched
	assert.Equal(t, []types.ClusterSegment{
		{First: 4, Count: 2},
		{First: 7, Count: 5},
	}, tab.lostSegments())

	tab.clearMarks()
	assert.Equal(t, uint8(0), tab.damage(5))
	assert.Equal(t, uint32(3), tab.raw(2))
}

func TestTableValid(t *testing.T) {
	tab := testBuilder(types.VolumeFAT16, 10).fat
	assert.False(t, tab.valid(0))
	assert.False(t, tab.valid(1))
	assert.True(t, tab.valid(2))
	assert.True(t, tab.valid(11))
	assert.False(t, tab.valid(12))
}

func TestHeapSchedulerSweepsUpward(t *testing.T) {
	s := NewScheduler(SchedulerHeap)
	for _, c := range []uint32{10, 5, 20} {
		s.Schedule(interfaces.ClusterRequest{Cluster: c})
	}

	next := func() uint32 {
		req, ok := s.Next()
		require.True(t, ok)
		return req.Cluster
	}

	assert.Equal(t, uint32(5), next())
	s.Schedule(interfaces.ClusterRequest{Cluster: 3})
	s.Schedule(interfaces.ClusterRequest{Cluster: 8})
	assert.Equal(t, 4, s.Pending())
	assert.Equal(t, uint32(8), next())
	assert.Equal(t, uint32(10), next())
	assert.Equal(t, uint32(20), next())
	assert.Equal(t, uint32(3), next(), "requests behind the head wait for the next sweep")

	_, ok := s.Next()
	assert.False(t, ok)
}

func TestFIFOScheduler(t *testing.T) {
	s := NewScheduler(SchedulerFIFO)
	for _, c := range []uint32{10, 5, 20} {
		s.Schedule(interfaces.ClusterRequest{Cluster: c})
	}
	var got []uint32
	for {
		req, ok := s.Next()
		if !ok {
			break
		}
		got = append(got, req.Cluster)
	}
	assert.Equal(t, []uint32{10, 5, 20}, got)
}

func cluster(entries ...[]byte) []byte {
	buf := make([]byte, 512)
	off := 0
	for _, e := range entries {
		off += copy(buf[off:], e)
	}
	return buf
}

func TestAnalyzeCluster(t *testing.T) {
	b := testBuilder(types.VolumeFAT16, 100)

	tests := []struct {
		name  string
		buf   []byte
		ok    bool
		flags int
	}{
		{
			name:  "dot entries start a directory",
			buf:   cluster(testimage.DotEntries(10, 0), testimage.ShortEntry("A.TXT", types.FATAttrArchive, 11, 5)),
			ok:    true,
			flags: dcFirst | dcLast,
		},
		{
			name:  "plain entries",
			buf:   cluster(testimage.FileEntries("Long name.txt", "LONGNA~1.TXT", types.FATAttrArchive, 12, 5)),
			ok:    true,
			flags: dcLast,
		},
		{
			name: "empty cluster",
			buf:  make([]byte, 512),
		},
		{
			name: "lower case short name",
			buf:  cluster([]byte("abc        \x20\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")),
		},
		{
			name: "cluster out of range",
			buf:  cluster(testimage.ShortEntry("A.TXT", types.FATAttrArchive, 5000, 5)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags, ok := b.analyzeCluster(tt.buf)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.flags, flags)
			}
		})
	}
}

func TestUnpackEntries(t *testing.T) {
	e := shortEntry(testimage.ShortEntry("DATA.BIN", types.FATAttrArchive, 0x12345, 4096))
	assert.Equal(t, testimage.ShortName("DATA.BIN"), e.Name)
	assert.Equal(t, types.FATAttrArchive, e.Attr)
	assert.Equal(t, uint16(0x1), e.FstClusHI)
	assert.Equal(t, uint16(0x2345), e.FstClusLO)
	assert.Equal(t, uint32(4096), e.FileSize)
	assert.Equal(t, uint16(testimage.FixedTime), e.WrtTime)
	assert.Equal(t, uint16(testimage.FixedDate), e.WrtDate)
	assert.Equal(t, uint32(0x12345), e.Cluster(true))

	raw := testimage.LongEntries("abcdefghijklm", testimage.ShortName("ABCDEF~1"))
	require.Len(t, raw, types.FATDirEntrySize)
	l := longEntry(raw)
	assert.Equal(t, uint8(1|types.FATLastLongEntry), l.Ord)
	assert.Equal(t, types.FATAttrLongName, l.Attr)
	assert.Equal(t, types.ShortNameChecksum(testimage.ShortName("ABCDEF~1")), l.Chksum)
	assert.Equal(t, [5]uint16{'a', 'b', 'c', 'd', 'e'}, l.Name1)
	assert.Equal(t, [6]uint16{'f', 'g', 'h', 'i', 'j', 'k'}, l.Name2)
	assert.Equal(t, [2]uint16{'l', 'm'}, l.Name3)
	assert.Zero(t, l.FstClusLO)

	assert.Equal(t, types.FATDirEntry{}, shortEntry(raw[:10]))
}

func TestLongName(t *testing.T) {
	t.Run("existing", func(t *testing.T) {
		buf := testimage.FileEntries("A much longer file name.txt", "AMUCHL~1.TXT", types.FATAttrArchive, 3, 10)
		off := len(buf) - types.FATDirEntrySize
		e := entryAt(buf, off)
		name, short := longName(buf, off, &e)
		assert.Equal(t, "A much longer file name.txt", name)
		assert.Equal(t, testimage.ShortName("AMUCHL~1.TXT"), short)
	})

	t.Run("deleted restores the first character", func(t *testing.T) {
		buf := testimage.Delete(testimage.FileEntries("beta file.txt", "BETAFI~1.TXT", types.FATAttrArchive, 3, 10))
		off := len(buf) - types.FATDirEntrySize
		e := entryAt(buf, off)
		name, short := longName(buf, off, &e)
		assert.Equal(t, "beta file.txt", name)
		assert.Equal(t, testimage.ShortName("BETAFI~1.TXT"), short)
	})

	t.Run("deleted without long name", func(t *testing.T) {
		buf := testimage.Delete(testimage.ShortEntry("GONE.TXT", types.FATAttrArchive, 3, 10))
		e := entryAt(buf, 0)
		name, short := longName(buf, 0, &e)
		assert.Empty(t, name)
		assert.Equal(t, testimage.ShortName("_ONE.TXT"), short)
	})

	t.Run("checksum mismatch drops the long name", func(t *testing.T) {
		buf := append(testimage.LongEntries("other.txt", testimage.ShortName("OTHER.TXT")),
			testimage.ShortEntry("FILE.TXT", types.FATAttrArchive, 3, 10)...)
		off := len(buf) - types.FATDirEntrySize
		e := entryAt(buf, off)
		name, _ := longName(buf, off, &e)
		assert.Empty(t, name)
	})
}

func TestNextDirCluster(t *testing.T) {
	b := testBuilder(types.VolumeFAT16, 100)
	buf := cluster(testimage.DotEntries(10, 0),
		testimage.ShortEntry("A.TXT", types.FATAttrArchive, 11, 1000),
		testimage.ShortEntry("B.TXT", types.FATAttrArchive, 13, 600))
	fetch := func(uint32) ([]byte, bool) { return nil, false }

	// B.TXT covers 13 and 14, so the directory most likely goes on in 15
	assert.Equal(t, uint32(15), b.nextDirCluster(buf, 0, fetch, false))

	empty := cluster(testimage.DotEntries(10, 0))
	assert.Zero(t, b.nextDirCluster(empty, 0, fetch, false))
}
