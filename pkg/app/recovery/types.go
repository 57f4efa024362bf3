package recovery

import (
	"github.com/deploymenttheory/go-undelete/internal/services"
	"github.com/deploymenttheory/go-undelete/pkg/app"
)

// StdoutPath selects the context's output writer as the destination
const StdoutPath = "-"

// Request represents an extraction request
type Request struct {
	Target app.VolumeTarget

	// FilePath is the slash separated path of the file inside the snapshot
	FilePath string

	// OutputPath is a file, an existing directory or StdoutPath. Empty means
	// the file's name in the working directory.
	OutputPath string

	Stream    string
	RawEFS    bool
	Overwrite bool
}

// Response represents the outcome of an extraction
type Response struct {
	FilePath   string                  `json:"file_path" yaml:"file_path"`
	OutputPath string                  `json:"output_path" yaml:"output_path"`
	Report     *services.ExtractReport `json:"report" yaml:"report"`
	Partial    *PartialRead            `json:"partial,omitempty" yaml:"partial,omitempty"`
}

// PartialRead summarizes an extraction that completed with missing or
// overwritten clusters
type PartialRead struct {
	Read        uint64 `json:"read" yaml:"read"`
	Missing     uint64 `json:"missing" yaml:"missing"`
	Overwritten uint64 `json:"overwritten" yaml:"overwritten"`
	Cause       string `json:"cause,omitempty" yaml:"cause,omitempty"`
}

// Complete reports whether every cluster was read and none was reclaimed
func (r *Response) Complete() bool {
	return r.Partial == nil
}
