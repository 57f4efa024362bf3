package ntfs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deploymenttheory/go-undelete/internal/parsers/stream"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// loadMFT reads record 0 from the boot sector's MFT cluster, then streams
// the rest of the MFT through the run list record 0 describes. Extension
// records of $MFT extend that run list while the loop runs.
func (b *Builder) loadMFT(ctx context.Context) error {
	if err := checkCancel(ctx); err != nil {
		return err
	}
	geo := b.vol.NTFS()
	rs := uint64(geo.RecordSize)
	bpc := uint64(b.bpc)
	perRecord := (rs + bpc - 1) / bpc

	first := make([]byte, perRecord*bpc)
	if err := b.vol.ReadClusters(first, geo.MFTCluster, uint32(perRecord)); err != nil {
		return fmt.Errorf("failed to read the first MFT record: %w", err)
	}
	b.records = make([]*mftRecord, 1)
	if err := b.parseRecord(first[:rs], 0); err != nil {
		return err
	}
	ds, err := b.mftStream()
	if err != nil {
		return err
	}

	items := ds.Size / rs
	records := make([]*mftRecord, items)
	records[0] = b.records[0]
	b.records = records
	b.log.WithField("records", items).Debug("MFT located")

	batch := uint64(b.config.MFTBatchClusters)
	batch = max(perRecord, batch/perRecord*perRecord)
	buf := make([]byte, batch*bpc)
	r := stream.NewReader(b.vol, ds)
	total := r.Clusters()
	left := total

	var i, checked uint64
	for left > 0 && i < items {
		n := min(left, batch)
		if !r.IsSafeChunk(n) {
			n = min(left, perRecord)
		}
		got, err := r.GetClusters(buf, uint32(n))
		if err == nil && uint64(got) < n {
			err = fmt.Errorf("MFT run list ends after %d of %d clusters", total-left+uint64(got), total)
		}
		if err != nil {
			return b.partialMFT(i, items, err)
		}

		for j := uint64(0); j+rs <= n*bpc && i < items; j += rs {
			if i > 0 {
				if err := b.parseRecord(buf[j:j+rs], i); err != nil {
					return err
				}
			}
			i++
		}
		// an extension record may have added runs to $MFT
		r.Refresh()
		left -= n

		if i-checked >= cancelEvery {
			checked = i
			b.report("reading MFT", int((total-left)*100/total))
			if err := checkCancel(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// mftStream checks record 0 and returns its data stream
func (b *Builder) mftStream() (*types.DataStream, error) {
	m := b.records[0]
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: record 0 is not $MFT: %s", types.ErrCorruptedMetadata, fmt.Sprintf(format, args...))
	}
	switch {
	case m == nil:
		return nil, bad("nothing parsed")
	case m.rec.IsDir:
		return nil, bad("marked as a directory")
	case len(m.rec.Names) != 1:
		return nil, bad("%d names", len(m.rec.Names))
	case !strings.EqualFold(m.rec.Names[0].Name, types.MFTStreamName):
		return nil, bad("named %q", m.rec.Names[0].Name)
	case len(m.rec.Streams) != 1:
		return nil, bad("%d data streams", len(m.rec.Streams))
	}
	ds := m.rec.Streams[0]
	if ds.IsResident || ds.Size < uint64(b.vol.NTFS().RecordSize) {
		return nil, bad("data stream of %d bytes", ds.Size)
	}
	return ds, nil
}

// partialMFT decides what a failed MFT read leaves. Once the fixed
// metadata records are in, the records read so far are kept.
func (b *Builder) partialMFT(read, items uint64, err error) error {
	if errors.Is(err, types.ErrCancelled) || read <= types.MFTFirstUserRecord {
		return fmt.Errorf("failed to read the MFT at record %d: %w", read, err)
	}
	b.tree.Warn(types.NewMetadataError(where(read), "MFT read stopped, %d of %d records loaded: %w", read, items, err))
	return nil
}
