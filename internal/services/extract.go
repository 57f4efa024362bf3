package services

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-undelete/internal/parsers/stream"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// DefaultExtractBatchClusters is the number of clusters Extract reads at once
const DefaultExtractBatchClusters = 64

// ExtractReport describes one extraction
type ExtractReport struct {
	Name      string          `json:"name" yaml:"name"`
	Stream    string          `json:"stream,omitempty" yaml:"stream,omitempty"`
	Size      uint64          `json:"size" yaml:"size"`
	Written   uint64          `json:"written" yaml:"written"`
	Clusters  uint64          `json:"clusters" yaml:"clusters"`
	Deleted   bool            `json:"deleted" yaml:"deleted"`
	Condition types.Condition `json:"condition" yaml:"condition"`
	RawEFS    bool            `json:"raw_efs,omitempty" yaml:"raw_efs,omitempty"`

	// Warning is set when the content is unlikely to be the original
	Warning string `json:"warning,omitempty" yaml:"warning,omitempty"`
}

// Extract writes one data stream of the record h names to w. An empty
// streamName selects the default stream. Files carrying an $EFS stream are
// written in the raw encrypted export format instead.
//
// Clusters that cannot be read are written as zeros and the extraction goes
// on; the result is then a *types.PartialReadError next to the report. The
// same error reports clusters of a deleted file that other data reclaimed:
// their current bytes are copied as they are.
func (e *Engine) Extract(ctx context.Context, h FileHandle, streamName string, w io.Writer) (*ExtractReport, error) {
	rec, err := e.extractable(h)
	if err != nil {
		return nil, err
	}
	if rec.Has(types.FlagEncrypted) && rec.Stream(types.EFSStreamName) != nil {
		return e.exportRaw(ctx, rec, w)
	}

	ds := rec.Stream(streamName)
	if ds == nil {
		return nil, fmt.Errorf("%s has no data stream %q", rec.Name(), streamName)
	}

	report := newReport(rec)
	report.Stream = ds.Name
	report.Size = ds.Size
	logger := e.log.WithFields(log.Fields{"file": rec.Name(), "stream": ds.Name})

	res, err := e.copyStream(ctx, ds, w)
	report.Written, report.Clusters = res.written, res.read
	if err != nil {
		return report, err
	}

	var overwritten uint64
	if rec.IsDeleted() {
		overwritten = ds.OverwrittenClusters
	}
	if res.missing > 0 || overwritten > 0 {
		perr := &types.PartialReadError{
			Stream:      ds.Name,
			Read:        res.read,
			Missing:     res.missing,
			Overwritten: overwritten,
			Err:         res.readErr,
		}
		logger.WithFields(log.Fields{
			"missing":     res.missing,
			"overwritten": overwritten,
		}).Warn("partial extraction")
		return report, perr
	}
	logger.WithField("bytes", report.Written).Debug("extracted")
	return report, nil
}

// ExportRaw writes the record h names in the raw encrypted export format:
// its $EFS stream followed by every data stream as stored on disk.
func (e *Engine) ExportRaw(ctx context.Context, h FileHandle, w io.Writer) (*ExtractReport, error) {
	rec, err := e.extractable(h)
	if err != nil {
		return nil, err
	}
	return e.exportRaw(ctx, rec, w)
}

func (e *Engine) exportRaw(ctx context.Context, rec *types.FileRecord, w io.Writer) (*ExtractReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrCancelled, err)
	}
	report := newReport(rec)
	report.RawEFS = true
	report.Size = rec.Size()

	cw := &countingWriter{w: w}
	if err := stream.ExportEFS(cw, e.vol, rec); err != nil {
		report.Written = cw.n
		return report, fmt.Errorf("failed to export %s: %w", rec.Name(), err)
	}
	report.Written = cw.n
	e.log.WithFields(log.Fields{"file": rec.Name(), "bytes": cw.n}).Debug("raw export written")
	return report, nil
}

// extractable resolves h to a file record while no Update runs
func (e *Engine) extractable(h FileHandle) (*types.FileRecord, error) {
	if e.updating.Load() {
		return nil, types.ErrBusy
	}
	rec, err := e.Record(h)
	if err != nil {
		return nil, err
	}
	if rec.IsDir {
		return nil, fmt.Errorf("%s is a directory", rec.Name())
	}
	return rec, nil
}

func newReport(rec *types.FileRecord) *ExtractReport {
	report := &ExtractReport{
		Name:      rec.Name(),
		Deleted:   rec.IsDeleted(),
		Condition: rec.Condition,
	}
	if rec.Condition == types.ConditionLost {
		report.Warning = "every cluster of the file is in use by other data; the content is most likely not the original"
	}
	return report
}

type copyResult struct {
	written uint64
	read    uint64
	missing uint64
	readErr error
}

// copyStream copies ds to w in batches. After a failed batch the clusters
// are retried one by one; the failing one is replaced by zeros and stepped
// over. A broken run list ends the copy.
func (e *Engine) copyStream(ctx context.Context, ds *types.DataStream, w io.Writer) (copyResult, error) {
	var res copyResult
	bpc := uint64(e.vol.BytesPerCluster())
	batch := uint64(e.config.ExtractBatchClusters)
	if batch == 0 {
		batch = DefaultExtractBatchClusters
	}

	r := stream.NewReader(e.vol, ds)
	total := r.Clusters()
	buf := make([]byte, batch*bpc)

	emit := func(b []byte) error {
		n := min(uint64(len(b)), ds.Size-res.written)
		if n == 0 {
			return nil
		}
		if _, err := w.Write(b[:n]); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
		res.written += n
		return nil
	}

	step := batch
	for done := uint64(0); done < total; {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: %w", types.ErrCancelled, err)
		}

		n := min(total-done, step)
		got, err := r.GetClusters(buf, uint32(n))
		if err := emit(buf[:uint64(got)*bpc]); err != nil {
			return res, err
		}
		done += uint64(got)
		res.read += uint64(got)

		switch {
		case err != nil && errors.Is(err, types.ErrCorruptedMetadata):
			res.missing += total - done
			res.readErr = err
			return res, nil
		case err != nil && n > 1:
			// find the failing cluster one at a time
			step = 1
		case err != nil:
			if res.readErr == nil {
				res.readErr = err
			}
			e.log.WithField("cluster", done).Debugf("unreadable cluster replaced by zeros: %v", err)
			clear(buf[:bpc])
			if err := emit(buf[:bpc]); err != nil {
				return res, err
			}
			res.missing++
			done++
			if err := r.Skip(1); err != nil {
				res.missing += total - done
				return res, nil
			}
			step = batch
		case uint64(got) < n:
			// run list shorter than the size
			res.missing += total - done
			return res, nil
		}
	}
	return res, nil
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
