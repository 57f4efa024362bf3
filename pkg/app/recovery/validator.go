package recovery

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/deploymenttheory/go-undelete/pkg/app"
)

// Validate validates an extraction request
func (r *Request) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid volume target", err)
	}

	if strings.TrimSpace(r.FilePath) == "" {
		return app.NewError(app.ErrCodeInvalidInput, "file path is required", nil)
	}

	if r.RawEFS && r.Stream != "" {
		return app.NewError(app.ErrCodeInvalidInput, "cannot specify both a stream and raw EFS export", nil)
	}

	return nil
}

// destination resolves where the extracted file is written
func (r *Request) destination() string {
	name := path.Base(path.Clean("/" + strings.ReplaceAll(r.FilePath, "\\", "/")))
	if r.Stream != "" {
		name += "_" + r.Stream
	}
	if r.RawEFS {
		name += ".efs"
	}
	switch {
	case r.OutputPath == "":
		return name
	case r.OutputPath == StdoutPath:
		return StdoutPath
	}
	if fi, err := os.Stat(r.OutputPath); err == nil && fi.IsDir() {
		return filepath.Join(r.OutputPath, name)
	}
	return r.OutputPath
}
