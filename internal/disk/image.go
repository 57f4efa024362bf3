package disk

import (
	"fmt"
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ImageDevice provides cached read access to a flat disk image or block
// device, optionally shifted to the start of a partition inside it.
type ImageDevice struct {
	path             string
	kind             string
	file             *os.File
	size             int64
	offset           int64 // Offset of the filesystem within the image
	blockSize        int64
	blockCache       map[int64][]byte
	cacheMutex       sync.RWMutex
	maxCacheSize     int64
	currentCacheSize int64
	stats            *DeviceStatistics
}

// DeviceStatistics tracks device access statistics
type DeviceStatistics struct {
	offsetMethod string
	readCalls    int64
	bytesRead    int64
	cacheHits    int64
	cacheMisses  int64
	mu           sync.RWMutex
}

// OpenImage opens an image file or block device and locates the filesystem inside it
func OpenImage(path string, config *DeviceConfig) (*ImageDevice, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat image file: %w", err)
	}

	device := &ImageDevice{
		path:         path,
		kind:         KindRaw,
		file:         file,
		size:         stat.Size(),
		blockSize:    int64(config.BlockSize),
		blockCache:   make(map[int64][]byte),
		maxCacheSize: int64(config.CacheSize) * 1024 * 1024,
		stats: &DeviceStatistics{
			offsetMethod: "unknown",
		},
	}
	if device.blockSize <= 0 {
		device.blockSize = DefaultBlockSize
	}
	if !config.CacheEnabled {
		device.maxCacheSize = 0
	}

	if stat.Mode()&os.ModeDevice != 0 {
		device.kind = KindBlock
		size, err := blockDeviceSize(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to query block device size: %w", err)
		}
		device.size = size
	}

	switch {
	case config.PartitionOffset > 0:
		device.offset = config.PartitionOffset
		device.stats.offsetMethod = "configured"
	case config.AutoDetectPartition:
		offset, method, err := detectPartitionOffset(file, device.size)
		if err != nil {
			device.stats.offsetMethod = "none"
			log.WithField("device", path).Debugf("no partition table: %v", err)
		} else {
			device.offset = offset
			device.stats.offsetMethod = method
			log.WithField("device", path).Debugf("filesystem found via %s at offset %d", method, offset)
		}
	default:
		device.stats.offsetMethod = "none"
	}

	return device, nil
}

// ReadAt implements io.ReaderAt relative to the start of the filesystem.
// Block aligned reads of exactly one block are served from the cache.
func (d *ImageDevice) ReadAt(p []byte, off int64) (n int, err error) {
	cacheable := d.maxCacheSize > 0 && int64(len(p)) == d.blockSize && off%d.blockSize == 0
	blockNum := off / d.blockSize

	if cacheable {
		d.cacheMutex.RLock()
		cached, exists := d.blockCache[blockNum]
		d.cacheMutex.RUnlock()
		if exists {
			copy(p, cached)
			d.stats.mu.Lock()
			d.stats.cacheHits++
			d.stats.mu.Unlock()
			return len(p), nil
		}
	}

	n, err = d.file.ReadAt(p, d.offset+off)

	d.stats.mu.Lock()
	d.stats.readCalls++
	d.stats.bytesRead += int64(n)
	if cacheable {
		d.stats.cacheMisses++
	}
	d.stats.mu.Unlock()

	if cacheable && err == nil && n == len(p) {
		d.cacheMutex.Lock()
		if d.currentCacheSize+int64(n) <= d.maxCacheSize {
			blockData := make([]byte, n)
			copy(blockData, p)
			d.blockCache[blockNum] = blockData
			d.currentCacheSize += int64(n)
		}
		d.cacheMutex.Unlock()
	}

	if err == io.EOF && n == len(p) {
		err = nil
	}
	return n, err
}

// Size returns the size of the device past the filesystem offset
func (d *ImageDevice) Size() int64 {
	return d.size - d.offset
}

// Offset returns the byte offset of the filesystem within the image
func (d *ImageDevice) Offset() int64 {
	return d.offset
}

// Path returns the path the device was opened from
func (d *ImageDevice) Path() string {
	return d.path
}

// Kind returns KindRaw or KindBlock
func (d *ImageDevice) Kind() string {
	return d.kind
}

// Close closes the underlying file
func (d *ImageDevice) Close() error {
	if d.file != nil {
		err := d.file.Close()
		d.file = nil
		return err
	}
	return nil
}

// ClearCache drops all cached blocks
func (d *ImageDevice) ClearCache() {
	d.cacheMutex.Lock()
	defer d.cacheMutex.Unlock()
	d.blockCache = make(map[int64][]byte)
	d.currentCacheSize = 0
}

// CacheHitRate returns the cache hit rate as a percentage
func (d *ImageDevice) CacheHitRate() float64 {
	d.stats.mu.RLock()
	defer d.stats.mu.RUnlock()
	total := d.stats.cacheHits + d.stats.cacheMisses
	if total == 0 {
		return 0.0
	}
	return float64(d.stats.cacheHits) / float64(total) * 100.0
}

// Stats returns a copy of the access counters
func (d *ImageDevice) Stats() Stats {
	d.stats.mu.RLock()
	defer d.stats.mu.RUnlock()
	return Stats{
		OffsetMethod: d.stats.offsetMethod,
		ReadCalls:    d.stats.readCalls,
		BytesRead:    d.stats.bytesRead,
		CacheHits:    d.stats.cacheHits,
		CacheMisses:  d.stats.cacheMisses,
	}
}

// Stats is a snapshot of device access counters
type Stats struct {
	OffsetMethod string `json:"offset_method" yaml:"offset_method"`
	ReadCalls    int64  `json:"read_calls" yaml:"read_calls"`
	BytesRead    int64  `json:"bytes_read" yaml:"bytes_read"`
	CacheHits    int64  `json:"cache_hits" yaml:"cache_hits"`
	CacheMisses  int64  `json:"cache_misses" yaml:"cache_misses"`
}

// LogStats logs the access counters at debug level
func (d *ImageDevice) LogStats(logger log.FieldLogger) {
	s := d.Stats()
	d.cacheMutex.RLock()
	cached := d.currentCacheSize
	d.cacheMutex.RUnlock()
	logger.WithFields(log.Fields{
		"device":        d.path,
		"kind":          d.kind,
		"offset":        d.offset,
		"offset_method": s.OffsetMethod,
		"read_calls":    s.ReadCalls,
		"bytes_read":    s.BytesRead,
		"cache_hits":    s.CacheHits,
		"cache_misses":  s.CacheMisses,
		"hit_rate":      fmt.Sprintf("%.2f%%", d.CacheHitRate()),
		"cache_bytes":   cached,
	}).Debug("device statistics")
}
