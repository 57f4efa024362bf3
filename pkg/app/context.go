package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-undelete/internal/services"
)

// Context holds application-wide configuration and state
type Context struct {
	context.Context

	// Output preferences
	OutputFormat string
	Verbose      bool
	Quiet        bool

	// Out receives formatted results, ErrOut receives messages
	Out    io.Writer
	ErrOut io.Writer

	// Engine configuration
	Config *services.Config

	// DefaultTimeout bounds an operation started through Scoped; zero means no limit
	DefaultTimeout time.Duration

	// Progress reporting
	ProgressCallback func(message string, percent int)
}

// NewContext creates a new application context
func NewContext() *Context {
	return &Context{
		Context: context.Background(),
		Out:     os.Stdout,
		ErrOut:  os.Stderr,
		Config:  services.DefaultConfig(),
	}
}

// WithTimeout creates a context with timeout
func (c *Context) WithTimeout(timeout time.Duration) (*Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(c.Context, timeout)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// WithCancel creates a cancellable context
func (c *Context) WithCancel() (*Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.Context)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// Scoped derives the context one operation runs under: bounded by
// DefaultTimeout when it is set, cancellable otherwise
func (c *Context) Scoped() (*Context, context.CancelFunc) {
	if c.DefaultTimeout > 0 {
		return c.WithTimeout(c.DefaultTimeout)
	}
	return c.WithCancel()
}

// SetProgress sets the progress callback function
func (c *Context) SetProgress(callback func(string, int)) {
	c.ProgressCallback = callback
}

// Progress reports progress if callback is set
func (c *Context) Progress(message string, percent int) {
	if c.ProgressCallback != nil {
		c.ProgressCallback(message, percent)
	}
}

// Log outputs a message based on verbosity settings
func (c *Context) Log(message string) {
	if !c.Quiet && c.Verbose {
		fmt.Fprintln(c.ErrOut, message)
	}
}

// Error outputs an error message unless quiet
func (c *Context) Error(message string) {
	if !c.Quiet {
		fmt.Fprintln(c.ErrOut, "Error:", message)
	}
}

// ConfigureLogging sets the logrus level from the verbosity flags, falling
// back to the configured log level
func (c *Context) ConfigureLogging() error {
	level := log.InfoLevel
	if c.Config != nil && c.Config.LogLevel != "" {
		parsed, err := log.ParseLevel(c.Config.LogLevel)
		if err != nil {
			return NewError(ErrCodeInvalidInput, "invalid log level", err)
		}
		level = parsed
	}
	switch {
	case c.Quiet:
		level = log.ErrorLevel
	case c.Verbose:
		level = log.DebugLevel
	}
	log.SetLevel(level)
	log.SetOutput(c.ErrOut)
	return nil
}

// OpenEngine opens the target volume with the context's configuration
func (c *Context) OpenEngine(target *VolumeTarget) (*services.Engine, error) {
	if err := target.Validate(); err != nil {
		return nil, NewError(ErrCodeInvalidInput, "invalid volume target", err)
	}
	e, err := services.Open(target.Path, c.Config)
	if err != nil {
		return nil, WrapEngineError("failed to open volume", err)
	}
	return e, nil
}

// Update builds a snapshot of the target, reporting progress through the
// context's callback
func (c *Context) Update(e *services.Engine, target *VolumeTarget) error {
	stage := &ProgressUpdate{StartedAt: time.Now()}
	_, err := e.Update(c.Context, target.Options, func(message string, percent int) {
		if message != stage.Message {
			if stage.Message != "" {
				log.WithField("elapsed", stage.Elapsed()).Debugf("%s finished", stage.Message)
			}
			stage.Message, stage.StartedAt = message, time.Now()
		}
		stage.Percent = percent
		c.Progress(message, percent)
	})
	if err != nil {
		return WrapEngineError("failed to build snapshot", err)
	}
	return nil
}
