package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-undelete/internal/parsers/runs"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

const testClusterSize = 512

// memVolume is a cluster addressed volume over a byte slice
type memVolume struct {
	data    []byte
	badLCNs map[uint64]bool
}

func newMemVolume(clusters int) *memVolume {
	return &memVolume{data: make([]byte, clusters*testClusterSize), badLCNs: map[uint64]bool{}}
}

func (m *memVolume) Type() types.VolumeType    { return types.VolumeNTFS }
func (m *memVolume) BytesPerSector() uint32    { return testClusterSize }
func (m *memVolume) SectorsPerCluster() uint32 { return 1 }
func (m *memVolume) BytesPerCluster() uint32   { return testClusterSize }
func (m *memVolume) ClusterCount() uint64      { return uint64(len(m.data) / testClusterSize) }

func (m *memVolume) ReadSectors(buf []byte, sector uint64, count uint32) error {
	return m.ReadClusters(buf, sector, count)
}

func (m *memVolume) ReadClusters(buf []byte, cluster uint64, count uint32) error {
	for c := cluster; c < cluster+uint64(count); c++ {
		if m.badLCNs[c] {
			return fmt.Errorf("%w: bad cluster %d", types.ErrVolumeIO, c)
		}
	}
	off := cluster * testClusterSize
	copy(buf[:uint64(count)*testClusterSize], m.data[off:])
	return nil
}

// fillCluster fills a cluster with a repeated byte
func (m *memVolume) fillCluster(lcn int, b byte) {
	copy(m.data[lcn*testClusterSize:], bytes.Repeat([]byte{b}, testClusterSize))
}

func nonResident(size, valid uint64, list []runs.Run) *types.DataStream {
	var clusters uint64
	for _, r := range list {
		clusters += r.Length
	}
	return &types.DataStream{
		Size:      size,
		ValidSize: valid,
		Pointers: []*types.DataPointers{{
			StartVCN: 0,
			LastVCN:  clusters - 1,
			Runs:     runs.Encode(list),
		}},
	}
}

func TestUncompressedWithSparse(t *testing.T) {
	vol := newMemVolume(32)
	vol.fillCluster(4, 'A')
	vol.fillCluster(5, 'B')
	vol.fillCluster(20, 'C')

	ds := nonResident(4*testClusterSize, 4*testClusterSize, []runs.Run{
		{LCN: 4, Length: 2},
		{LCN: types.Sparse, Length: 1},
		{LCN: 20, Length: 1},
	})

	r := NewReader(vol, ds)
	buf := make([]byte, 4*testClusterSize)
	n, err := r.GetClusters(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), n)

	assert.Equal(t, bytes.Repeat([]byte{'A'}, testClusterSize), buf[:testClusterSize])
	assert.Equal(t, bytes.Repeat([]byte{'B'}, testClusterSize), buf[testClusterSize:2*testClusterSize])
	assert.Equal(t, make([]byte, testClusterSize), buf[2*testClusterSize:3*testClusterSize])
	assert.Equal(t, bytes.Repeat([]byte{'C'}, testClusterSize), buf[3*testClusterSize:])

	n, err = r.GetClusters(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n, "run list is exhausted")
}

func TestValidSizeZeroPadding(t *testing.T) {
	tests := []struct {
		name      string
		size      uint64
		validSize uint64
	}{
		{name: "mid cluster", size: 3 * testClusterSize, validSize: 700},
		{name: "cluster boundary", size: 3 * testClusterSize, validSize: testClusterSize},
		{name: "nothing valid", size: 2 * testClusterSize, validSize: 0},
		{name: "all valid", size: 2 * testClusterSize, validSize: 2 * testClusterSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vol := newMemVolume(16)
			for lcn := 8; lcn < 12; lcn++ {
				vol.fillCluster(lcn, 0xEE)
			}
			clusters := (tt.size + testClusterSize - 1) / testClusterSize
			ds := nonResident(tt.size, tt.validSize, []runs.Run{{LCN: 8, Length: clusters}})

			data, err := io.ReadAll(NewReader(vol, ds))
			require.NoError(t, err)
			require.Len(t, data, int(tt.size))

			for i, b := range data {
				if uint64(i) < tt.validSize {
					require.Equal(t, byte(0xEE), b, "offset %d", i)
				} else {
					require.Equal(t, byte(0), b, "offset %d past valid size", i)
				}
			}
		})
	}
}

func TestResidentStream(t *testing.T) {
	vol := newMemVolume(1)
	ds := &types.DataStream{Size: 5, ValidSize: 5, IsResident: true, Resident: []byte("hello")}

	r := NewReader(vol, ds)
	buf := bytes.Repeat([]byte{0xFF}, 2*testClusterSize)
	n, err := r.GetClusters(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)
	assert.Equal(t, []byte("hello"), buf[:5])
	assert.Equal(t, make([]byte, 2*testClusterSize-5), buf[5:])

	r.Reset()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestReadErrorReturnsClustersDone(t *testing.T) {
	vol := newMemVolume(16)
	vol.badLCNs[6] = true
	ds := nonResident(4*testClusterSize, 4*testClusterSize, []runs.Run{
		{LCN: 2, Length: 2},
		{LCN: 6, Length: 2},
	})

	r := NewReader(vol, ds)
	buf := make([]byte, 4*testClusterSize)
	n, err := r.GetClusters(buf, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrVolumeIO))
	assert.Equal(t, uint32(2), n)

	require.NoError(t, r.Skip(2))
	assert.Equal(t, uint64(4*testClusterSize), r.Position())
}

func TestIsSafeChunk(t *testing.T) {
	vol := newMemVolume(64)
	ds := nonResident(20*testClusterSize, 20*testClusterSize, []runs.Run{
		{LCN: 10, Length: 18},
		{LCN: 40, Length: 2},
	})
	r := NewReader(vol, ds)
	buf := make([]byte, 16*testClusterSize)

	assert.True(t, r.IsSafeChunk(16), "no run loaded yet")
	_, err := r.GetClusters(buf, 16)
	require.NoError(t, err)
	assert.False(t, r.IsSafeChunk(16), "only 2 clusters left in the fragment")
	assert.True(t, r.IsSafeChunk(2))
}

func TestCompressedUnit(t *testing.T) {
	vol := newMemVolume(64)
	payload := []byte{0x08, 'a', 'b', 'c', 0x0C, 0x20}
	chunk := append([]byte{byte(len(payload) - 1), 0xB0}, payload...)
	copy(vol.data[10*testClusterSize:], chunk)
	// second unit is stored: 16 clusters of data, no sparse tail
	for lcn := 30; lcn < 46; lcn++ {
		vol.fillCluster(lcn, 'z')
	}

	size := uint64(32 * testClusterSize)
	ds := &types.DataStream{
		Size:      size,
		ValidSize: size,
		Pointers: []*types.DataPointers{{
			StartVCN: 0,
			LastVCN:  31,
			CompUnit: 4,
			Flags:    types.StreamCompressed,
			Runs: runs.Encode([]runs.Run{
				{LCN: 10, Length: 1},
				{LCN: types.Sparse, Length: 15},
				{LCN: 30, Length: 16},
			}),
		}},
	}

	r := NewReader(vol, ds)
	buf := make([]byte, 32*testClusterSize)
	n, err := r.GetClusters(buf, 32)
	require.NoError(t, err)
	assert.Equal(t, uint32(32), n)

	assert.Equal(t, "abcabcabcabcabcabc", string(buf[:18]))
	assert.Equal(t, make([]byte, 16*testClusterSize-18), buf[18:16*testClusterSize])
	assert.Equal(t, bytes.Repeat([]byte{'z'}, 16*testClusterSize), buf[16*testClusterSize:])
}
