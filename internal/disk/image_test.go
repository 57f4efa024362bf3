package disk

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestImage writes data to a temporary image file and returns its path
func writeTestImage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.img")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// mbrImage builds an image with one MBR partition of the given type at startLBA
func mbrImage(ptype byte, startLBA uint32, totalSectors int) []byte {
	img := make([]byte, totalSectors*sectorSize)
	entry := img[mbrPartitionTable:]
	entry[4] = ptype
	binary.LittleEndian.PutUint32(entry[8:12], startLBA)
	binary.LittleEndian.PutUint32(entry[12:16], uint32(totalSectors)-startLBA)
	binary.LittleEndian.PutUint16(img[mbrSignatureOff:], 0xAA55)
	return img
}

func TestImageDeviceReadAt(t *testing.T) {
	data := make([]byte, 16*DefaultBlockSize)
	for i := range data {
		data[i] = byte(i / DefaultBlockSize)
	}
	path := writeTestImage(t, data)

	cfg := DefaultDeviceConfig()
	cfg.AutoDetectPartition = false
	dev, err := OpenImage(path, cfg)
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, int64(len(data)), dev.Size())
	assert.Equal(t, KindRaw, dev.Kind())

	buf := make([]byte, DefaultBlockSize)
	n, err := dev.ReadAt(buf, 3*DefaultBlockSize)
	require.NoError(t, err)
	assert.Equal(t, DefaultBlockSize, n)
	assert.Equal(t, byte(3), buf[0])

	// Second aligned read is served from the cache
	n, err = dev.ReadAt(buf, 3*DefaultBlockSize)
	require.NoError(t, err)
	assert.Equal(t, DefaultBlockSize, n)
	stats := dev.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.InDelta(t, 50.0, dev.CacheHitRate(), 0.01)

	dev.ClearCache()
	_, err = dev.ReadAt(buf, 3*DefaultBlockSize)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dev.Stats().CacheMisses)

	// Unaligned reads bypass the cache
	small := make([]byte, 10)
	n, err = dev.ReadAt(small, DefaultBlockSize-5)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}, small)
}

func TestImageDevicePartitionOffset(t *testing.T) {
	img := mbrImage(0x0C, 8, 64)
	copy(img[8*sectorSize:], []byte{0xEB, 0x58, 0x90, 'M', 'S', 'D', 'O', 'S', '5', '.', '0'})
	path := writeTestImage(t, img)

	tests := []struct {
		name       string
		configure  func(*DeviceConfig)
		wantOffset int64
	}{
		{name: "auto detected from MBR", configure: func(c *DeviceConfig) {}, wantOffset: 8 * sectorSize},
		{name: "configured offset wins", configure: func(c *DeviceConfig) { c.PartitionOffset = 1024 }, wantOffset: 1024},
		{name: "detection disabled", configure: func(c *DeviceConfig) { c.AutoDetectPartition = false }, wantOffset: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDeviceConfig()
			tt.configure(cfg)
			dev, err := OpenImage(path, cfg)
			require.NoError(t, err)
			defer dev.Close()

			assert.Equal(t, tt.wantOffset, dev.Offset())
			assert.Equal(t, int64(len(img))-tt.wantOffset, dev.Size())
		})
	}
}

func TestOpenDeviceMissingFile(t *testing.T) {
	_, err := OpenDevice(filepath.Join(t.TempDir(), "missing.img"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenDeviceRawImage(t *testing.T) {
	path := writeTestImage(t, make([]byte, 8*sectorSize))
	dev, err := OpenDevice(path, nil)
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, int64(8*sectorSize), dev.Size())
	info, ok := dev.(interface{ Kind() string })
	require.True(t, ok)
	assert.Equal(t, KindRaw, info.Kind())
}

func TestImageDeviceLogStats(t *testing.T) {
	path := writeTestImage(t, make([]byte, 4*DefaultBlockSize))
	cfg := DefaultDeviceConfig()
	cfg.AutoDetectPartition = false
	dev, err := OpenImage(path, cfg)
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, DefaultBlockSize)
	_, err = dev.ReadAt(buf, 0)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	dev.LogStats(logger)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "device statistics", entry.Message)
	assert.Equal(t, int64(1), entry.Data["read_calls"])
	assert.Equal(t, "none", entry.Data["offset_method"])
	assert.Equal(t, int64(DefaultBlockSize), entry.Data["cache_bytes"])
}
