package app

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

// VolumeTarget represents volume selection across commands
type VolumeTarget struct {
	Path    string
	Options types.Options
}

// Validate ensures volume target is valid
func (vt *VolumeTarget) Validate() error {
	if vt.Path == "" {
		return errors.New("volume path is required")
	}
	if vt.Options.Has(types.OptReuseScanInfo) && !vt.Options.Has(types.OptScanVacantClusters) {
		return errors.New("reuse-scan needs scan-vacant")
	}
	return nil
}

// String returns a string representation of the volume target
func (vt *VolumeTarget) String() string {
	return fmt.Sprintf("Volume: %s (options: %s)", vt.Path, vt.Options.Normalize())
}

// ProgressUpdate represents progress information
type ProgressUpdate struct {
	Message   string
	Percent   int
	StartedAt time.Time
}

// Elapsed returns the time since the update stage started
func (p *ProgressUpdate) Elapsed() time.Duration {
	return time.Since(p.StartedAt)
}

// CommonError represents application-level errors
type CommonError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CommonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommonError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeVolumeAccess   = "VOLUME_ACCESS"
	ErrCodeUnsupported    = "UNSUPPORTED_FORMAT"
	ErrCodeCorrupted      = "CORRUPTED_METADATA"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodePermission     = "PERMISSION_DENIED"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeBusy           = "BUSY"
	ErrCodeStaleHandle    = "STALE_HANDLE"
	ErrCodePartialRead    = "PARTIAL_READ"
	ErrCodeOutOfMemory    = "OUT_OF_MEMORY"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInternalEngine = "ENGINE_ERROR"
)

// NewError creates a new CommonError
func NewError(code, message string, cause error) *CommonError {
	return &CommonError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapEngineError maps an engine error kind to its CommonError code
func WrapEngineError(message string, err error) *CommonError {
	var partial *types.PartialReadError
	var ce *CommonError
	code := ErrCodeInternalEngine
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.As(err, &partial):
		code = ErrCodePartialRead
	case errors.Is(err, types.ErrCancelled):
		code = ErrCodeCancelled
	case errors.Is(err, fs.ErrNotExist):
		code = ErrCodeNotFound
	case errors.Is(err, fs.ErrPermission):
		code = ErrCodePermission
	case errors.Is(err, types.ErrUnsupportedFormat), errors.Is(err, types.ErrInvalidBootSector):
		code = ErrCodeUnsupported
	case errors.Is(err, types.ErrVolumeIO):
		code = ErrCodeVolumeAccess
	case errors.Is(err, types.ErrCorruptedMetadata):
		code = ErrCodeCorrupted
	case errors.Is(err, types.ErrBusy):
		code = ErrCodeBusy
	case errors.Is(err, types.ErrStaleHandle), errors.Is(err, types.ErrNoSnapshot):
		code = ErrCodeStaleHandle
	case errors.Is(err, types.ErrOutOfMemory):
		code = ErrCodeOutOfMemory
	}
	return NewError(code, message, err)
}
