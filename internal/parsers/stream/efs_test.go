package stream

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-undelete/internal/parsers/runs"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

func TestExportEFSLayout(t *testing.T) {
	vol := newMemVolume(16)
	vol.fillCluster(3, 0x5A)
	vol.fillCluster(4, 0x5A)

	rec := &types.FileRecord{
		Names: []types.FileName{{Name: "secret.txt"}},
		Streams: []*types.DataStream{
			{
				Size:      700,
				ValidSize: 700,
				Flags:     types.StreamEncrypted,
				Pointers: []*types.DataPointers{{
					StartVCN: 0, LastVCN: 1, Flags: types.StreamEncrypted,
					Runs: runs.Encode([]runs.Run{{LCN: 3, Length: 2}}),
				}},
			},
			{Name: "$EFS", Size: 4, ValidSize: 4, IsResident: true, Resident: []byte{1, 2, 3, 4}},
		},
	}

	var out bytes.Buffer
	require.NoError(t, ExportEFS(&out, vol, rec))
	b := out.Bytes()

	// file header
	require.Equal(t, efsFileHeader[:], b[:20])
	b = b[20:]

	// $EFS name block
	assert.Equal(t, uint32(20+8+2), binary.LittleEndian.Uint32(b))
	assert.Equal(t, efsNameHeader[:], b[4:24])
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(b[24:]))
	assert.Equal(t, uint16(efsMetadataName), binary.LittleEndian.Uint16(b[28:]))
	b = b[30:]

	// $EFS data block
	assert.Equal(t, uint32(4+12+4), binary.LittleEndian.Uint32(b))
	assert.Equal(t, efsDataHeader[:], b[4:16])
	assert.Equal(t, []byte{1, 2, 3, 4}, b[16:20])
	b = b[20:]

	// default stream name block ":" + "" + ":$DATA"
	nameLen := uint32((0 + 7) * 2)
	assert.Equal(t, 28+nameLen, binary.LittleEndian.Uint32(b))
	assert.Equal(t, nameLen, binary.LittleEndian.Uint32(b[24:]))
	b = b[28+nameLen:]

	// one data block rounded up to 1024 bytes
	assert.Equal(t, uint32(0x200+1024), binary.LittleEndian.Uint32(b))
	assert.Equal(t, efsDataHeader[:], b[4:16])
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(b[16:]), "block number")
	assert.Equal(t, uint32(0x1F0), binary.LittleEndian.Uint32(b[24:]))
	assert.Equal(t, uint32(700), binary.LittleEndian.Uint32(b[28:]))
	assert.Equal(t, uint32(700), binary.LittleEndian.Uint32(b[32:]))
	assert.Equal(t, uint32(efsDataFlags), binary.LittleEndian.Uint32(b[40:]))
	assert.Equal(t, uint32(1024), binary.LittleEndian.Uint32(b[44:]))
	b = b[0x200:]

	require.Len(t, b, 1024)
	assert.Equal(t, bytes.Repeat([]byte{0x5A}, 1024), b,
		"encrypted data is exported raw past the valid size")
}

func TestExportEFSRequiresMetadata(t *testing.T) {
	vol := newMemVolume(1)
	rec := &types.FileRecord{Streams: []*types.DataStream{{Size: 0}}}
	require.Error(t, ExportEFS(&bytes.Buffer{}, vol, rec))
}
