package snapshot

import (
	"errors"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-undelete/internal/parsers/bitmap"
	"github.com/deploymenttheory/go-undelete/internal/parsers/runs"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// Classify turns per class cluster counts into a recovery condition. cnt[i]
// counts the file's clusters whose bitmap value is i; resident reports a
// stream kept inside the metadata itself.
func Classify(cnt [4]uint64, resident bool) types.Condition {
	switch {
	case cnt[bitmap.Unused] == 0 && cnt[bitmap.Single] == 0 && cnt[bitmap.Multiple] == 0 && !resident:
		return types.ConditionLost
	case cnt[bitmap.Existing] != 0:
		return types.ConditionPoor
	case cnt[bitmap.Multiple] != 0:
		return types.ConditionFair
	default:
		return types.ConditionGood
	}
}

// Estimator classifies deleted files against a cluster bitmap seeded from the
// filesystem's own allocation bitmap. Bitmap index = lcn - Base.
type Estimator struct {
	Bitmap          *bitmap.ClusterBitmap
	Base            uint64
	BytesPerCluster uint64
}

// streamClusters calls fn for each cluster of every non-resident stream of
// rec, limited to the clusters its size needs. It reports whether rec has a
// resident stream.
func (e *Estimator) streamClusters(rec *types.FileRecord, fn func(s *types.DataStream, idx uint64)) bool {
	resident := false
	for _, s := range rec.Streams {
		if s.IsResident || s.Size == 0 {
			resident = true
			continue
		}
		w := runs.NewWalker(s.Pointers)
		left := (s.Size-1)/e.BytesPerCluster + 1
		for left > 0 {
			lcn, length, err := w.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.WithField("name", rec.Name()).Debugf("run list ignored: %v", err)
				}
				break
			}
			if length > left {
				length = left
			}
			if lcn != types.Sparse {
				for i := uint64(lcn); i < uint64(lcn)+length; i++ {
					if i >= e.Base {
						fn(s, i-e.Base)
					}
				}
			}
			left -= length
		}
	}
	return resident
}

// Draw renders a deleted file into the bitmap
func (e *Estimator) Draw(rec *types.FileRecord) {
	e.streamClusters(rec, func(_ *types.DataStream, idx uint64) {
		e.Bitmap.IncreaseValue(idx)
	})
}

// Condition classifies a drawn file and records, per stream, how many of its
// clusters already hold existing data
func (e *Estimator) Condition(rec *types.FileRecord) types.Condition {
	var cnt [4]uint64
	for _, s := range rec.Streams {
		s.OverwrittenClusters = 0
	}
	resident := e.streamClusters(rec, func(s *types.DataStream, idx uint64) {
		v := e.Bitmap.Value(idx)
		cnt[v]++
		if v == bitmap.Existing {
			s.OverwrittenClusters++
		}
	})
	return Classify(cnt, resident)
}

// Estimate draws every deleted file, then classifies each one. With lostMap
// set, Fair and Poor files are drawn a second time and the clusters nobody
// can recover are returned.
func (e *Estimator) Estimate(t *Tree, files []types.DirItem, lostMap bool) []types.ClusterSegment {
	var deleted []*types.FileRecord
	for _, item := range files {
		if r := t.Record(item.Record); r != nil && r.IsDeleted() && !r.IsDir {
			deleted = append(deleted, r)
		}
	}

	for _, r := range deleted {
		e.Draw(r)
	}
	for _, r := range deleted {
		r.Condition = e.Condition(r)
	}
	if !lostMap {
		return nil
	}
	for _, r := range deleted {
		if r.Condition == types.ConditionFair || r.Condition == types.ConditionPoor {
			e.Draw(r)
		}
	}
	return e.Bitmap.LostSegments(e.Base)
}
