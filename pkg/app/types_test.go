package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

func TestVolumeTargetValidate(t *testing.T) {
	tests := []struct {
		name    string
		target  VolumeTarget
		wantErr bool
	}{
		{"valid", VolumeTarget{Path: "disk.img", Options: types.DefaultOptions}, false},
		{"missing path", VolumeTarget{}, true},
		{"reuse with scan", VolumeTarget{Path: "disk.img", Options: types.OptScanVacantClusters | types.OptReuseScanInfo}, false},
		{"reuse without scan", VolumeTarget{Path: "disk.img", Options: types.OptReuseScanInfo}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVolumeTargetString(t *testing.T) {
	vt := VolumeTarget{Path: "disk.img", Options: types.OptLostClusterMap}
	assert.Equal(t, "Volume: disk.img (options: estimate-damage|lost-clusters)", vt.String())
}

func TestWrapEngineError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"cancelled", fmt.Errorf("scan: %w", types.ErrCancelled), ErrCodeCancelled},
		{"io", fmt.Errorf("read: %w", types.ErrVolumeIO), ErrCodeVolumeAccess},
		{"format", types.ErrUnsupportedFormat, ErrCodeUnsupported},
		{"boot sector", types.ErrInvalidBootSector, ErrCodeUnsupported},
		{"metadata", &types.MetadataError{Where: "MFT", Err: errors.New("bad")}, ErrCodeCorrupted},
		{"busy", types.ErrBusy, ErrCodeBusy},
		{"stale", types.ErrStaleHandle, ErrCodeStaleHandle},
		{"no snapshot", types.ErrNoSnapshot, ErrCodeStaleHandle},
		{"not found", fmt.Errorf("/x: %w", fs.ErrNotExist), ErrCodeNotFound},
		{"permission", fs.ErrPermission, ErrCodePermission},
		{"memory", types.ErrOutOfMemory, ErrCodeOutOfMemory},
		{"partial", &types.PartialReadError{Err: types.ErrVolumeIO}, ErrCodePartialRead},
		{"other", errors.New("boom"), ErrCodeInternalEngine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := WrapEngineError("failed", tt.err)
			assert.Equal(t, tt.code, ce.Code)
			assert.ErrorIs(t, ce, tt.err)
		})
	}
}

func TestWrapEngineErrorKeepsCommonErrors(t *testing.T) {
	inner := NewError(ErrCodeInvalidInput, "bad input", nil)
	assert.Same(t, inner, WrapEngineError("outer", fmt.Errorf("wrapped: %w", inner)))
	assert.Equal(t, "bad input", inner.Error())
	assert.Equal(t, "outer: boom", NewError(ErrCodeBusy, "outer", errors.New("boom")).Error())
}

func TestContextOutput(t *testing.T) {
	var errOut bytes.Buffer
	ctx := NewContext()
	ctx.ErrOut = &errOut

	ctx.Log("hidden")
	ctx.Verbose = true
	ctx.Log("shown")
	ctx.Error("failed")
	ctx.Quiet = true
	ctx.Error("suppressed")

	assert.Equal(t, "shown\nError: failed\n", errOut.String())
}

func TestConfigureLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	defer log.SetOutput(log.StandardLogger().Out)

	ctx := NewContext()
	ctx.ErrOut = &bytes.Buffer{}

	ctx.Config.LogLevel = "warn"
	require.NoError(t, ctx.ConfigureLogging())
	assert.Equal(t, log.WarnLevel, log.GetLevel())

	ctx.Verbose = true
	require.NoError(t, ctx.ConfigureLogging())
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	ctx.Quiet = true
	require.NoError(t, ctx.ConfigureLogging())
	assert.Equal(t, log.ErrorLevel, log.GetLevel())

	ctx.Config.LogLevel = "loud"
	assert.Error(t, ctx.ConfigureLogging())
}

func TestContextScoped(t *testing.T) {
	ctx := NewContext()
	ctx.Verbose = true

	scoped, cancel := ctx.Scoped()
	_, hasDeadline := scoped.Deadline()
	assert.False(t, hasDeadline)
	assert.True(t, scoped.Verbose, "settings carry over")
	cancel()
	<-scoped.Done()
	assert.ErrorIs(t, scoped.Err(), context.Canceled)
	assert.NoError(t, ctx.Context.Err(), "parent is untouched")

	ctx.DefaultTimeout = time.Millisecond
	scoped, cancel = ctx.Scoped()
	defer cancel()
	_, hasDeadline = scoped.Deadline()
	assert.True(t, hasDeadline)
	<-scoped.Done()
	assert.ErrorIs(t, scoped.Err(), context.DeadlineExceeded)
}
