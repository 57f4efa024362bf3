package stream

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/deploymenttheory/go-undelete/internal/interfaces"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// Raw encrypted file export, the format read back by the platform's
// encrypted file import: a header, then per stream a name block followed by
// the stream's raw bytes in data blocks.
var (
	efsFileHeader = [20]byte{0x00, 0x01, 0x00, 0x00, 'R', 'O', 'B', 'S'}
	efsNameHeader = [20]byte{'N', 'T', 'F', 'S', 0x00, 0x00, 0x00, 0x00, 0x02}
	efsDataHeader = [12]byte{'G', 'U', 'R', 'E'}
)

const (
	efsBlockSize      = 0x10000
	efsDataHeaderSize = 0x200
	efsDataHeaderPad  = 0x1D0
	efsMetadataName   = 0x1910
	efsDataFlags      = 0x01010C
)

// ExportEFS writes the raw encrypted form of rec to w. The $EFS stream goes
// first, followed by every other data stream in record order.
func ExportEFS(w io.Writer, vol interfaces.VolumeReader, rec *types.FileRecord) error {
	efs := rec.Stream(types.EFSStreamName)
	if efs == nil {
		return fmt.Errorf("record %q has no %s stream", rec.Name(), types.EFSStreamName)
	}

	ew := &efsWriter{w: w}
	ew.write(efsFileHeader[:])
	if err := ew.exportStream(vol, efs, true); err != nil {
		return err
	}
	for _, s := range rec.Streams {
		if strings.EqualFold(s.Name, types.EFSStreamName) {
			continue
		}
		if err := ew.exportStream(vol, s, false); err != nil {
			return err
		}
	}
	return ew.err
}

type efsWriter struct {
	w   io.Writer
	err error
}

func (ew *efsWriter) write(b []byte) {
	if ew.err != nil {
		return
	}
	_, ew.err = ew.w.Write(b)
}

func (ew *efsWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	ew.write(b[:])
}

func (ew *efsWriter) exportStream(vol interfaces.VolumeReader, s *types.DataStream, metadata bool) error {
	var name []uint16
	if metadata {
		name = []uint16{efsMetadataName}
	} else {
		name = utf16.Encode([]rune(":" + s.Name + ":$DATA"))
	}
	nameBytes := make([]byte, 2*len(name))
	for i, u := range name {
		binary.LittleEndian.PutUint16(nameBytes[2*i:], u)
	}

	ew.u32(uint32(len(efsNameHeader) + 8 + len(nameBytes)))
	ew.write(efsNameHeader[:])
	ew.u32(uint32(len(nameBytes)))
	ew.write(nameBytes)
	if ew.err != nil || s.Size == 0 {
		return ew.err
	}

	r := NewReader(vol, s)
	if metadata {
		data := make([]byte, s.Size)
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("failed to read %s stream: %w", types.EFSStreamName, err)
		}
		ew.u32(uint32(4 + len(efsDataHeader) + len(data)))
		ew.write(efsDataHeader[:])
		ew.write(data)
		return ew.err
	}

	bpc := uint64(vol.BytesPerCluster())
	remaining := s.Size
	for blockNum := uint32(0); remaining > 0 && ew.err == nil; blockNum++ {
		blockSize, realSize := uint64(efsBlockSize), uint64(efsBlockSize)
		if remaining <= efsBlockSize {
			blockSize = (remaining + 511) &^ 511
			realSize = remaining
		}

		ew.u32(uint32(efsDataHeaderSize + blockSize))
		ew.write(efsDataHeader[:])
		ew.u32(blockNum << 16)
		ew.u32(0)
		ew.u32(uint32(efsDataHeaderSize - len(efsDataHeader) - 4))
		ew.u32(uint32(realSize))
		ew.u32(uint32(realSize))
		ew.u32(0)
		ew.u32(efsDataFlags)
		ew.u32(uint32(blockSize))
		ew.write(make([]byte, efsDataHeaderPad))

		clusters := (blockSize + bpc - 1) / bpc
		buf := make([]byte, clusters*bpc)
		if _, err := r.GetClusters(buf, uint32(clusters)); err != nil {
			return fmt.Errorf("failed to read encrypted stream %q: %w", s.Name, err)
		}
		ew.write(buf[:blockSize])

		if remaining <= efsBlockSize {
			remaining = 0
		} else {
			remaining -= efsBlockSize
		}
	}
	return ew.err
}
