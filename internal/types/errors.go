package types

import (
	"errors"
	"fmt"
)

// Error kinds returned by the recovery engine. Callers test them with errors.Is.
var (
	ErrVolumeIO          = errors.New("volume i/o error")
	ErrOutOfMemory       = errors.New("not enough memory")
	ErrUnsupportedFormat = errors.New("unsupported or unrecognized filesystem")
	ErrInvalidBootSector = errors.New("invalid boot sector")
	ErrCorruptedMetadata = errors.New("corrupted metadata")
	ErrCancelled         = errors.New("operation cancelled")
	ErrBusy              = errors.New("an update is already in progress")
	ErrStaleHandle       = errors.New("file handle belongs to a replaced snapshot")
	ErrNoSnapshot        = errors.New("no snapshot has been built")
)

// MetadataError describes one skipped unit of metadata: a directory
// cluster, an MFT record or an exFAT entry set. It is always recoverable.
type MetadataError struct {
	Where string
	Err   error
}

// NewMetadataError builds a MetadataError with a formatted cause
func NewMetadataError(where string, format string, args ...interface{}) *MetadataError {
	return &MetadataError{Where: where, Err: fmt.Errorf(format, args...)}
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("corrupted metadata at %s: %v", e.Where, e.Err)
}

func (e *MetadataError) Unwrap() error {
	return e.Err
}

// Is makes every MetadataError match ErrCorruptedMetadata
func (e *MetadataError) Is(target error) bool {
	return target == ErrCorruptedMetadata
}

// PartialReadError reports an extraction that returned fewer trustworthy
// clusters than the stream claims. Clusters that were already reclaimed by
// other data are still copied and are counted in Overwritten.
type PartialReadError struct {
	Stream      string
	Read        uint64
	Missing     uint64
	Overwritten uint64
	Err         error
}

func (e *PartialReadError) Error() string {
	msg := fmt.Sprintf("partial read of stream %q: %d clusters read, %d missing, %d overwritten",
		e.Stream, e.Read, e.Missing, e.Overwritten)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PartialReadError) Unwrap() error {
	return e.Err
}
