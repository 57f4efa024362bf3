package listing

import (
	"fmt"
	"time"

	"github.com/deploymenttheory/go-undelete/internal/services"
	"github.com/deploymenttheory/go-undelete/internal/types"
	"github.com/deploymenttheory/go-undelete/pkg/app"
)

// Request represents a listing request
type Request struct {
	Target app.VolumeTarget

	// Filters
	NamePattern    string
	Extensions     []string
	DeletedOnly    bool
	IncludeVirtual bool
	MaxResults     int
}

// Response represents listing results
type Response struct {
	Files      []FileResult        `json:"files" yaml:"files"`
	TotalFound int                 `json:"total_found" yaml:"total_found"`
	ScanTime   time.Duration       `json:"scan_time" yaml:"scan_time"`
	Volume     services.VolumeInfo `json:"volume" yaml:"volume"`
	Generation string              `json:"generation" yaml:"generation"`
	Options    string              `json:"options" yaml:"options"`
	Warnings   []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Truncated  bool                `json:"truncated" yaml:"truncated"`
}

// FileResult represents one listed file or directory
type FileResult struct {
	Path       string          `json:"path" yaml:"path"`
	Name       string          `json:"name" yaml:"name"`
	Size       uint64          `json:"size" yaml:"size"`
	Created    time.Time       `json:"created,omitempty" yaml:"created,omitempty"`
	Modified   time.Time       `json:"modified,omitempty" yaml:"modified,omitempty"`
	Accessed   time.Time       `json:"accessed,omitempty" yaml:"accessed,omitempty"`
	Type       string          `json:"type" yaml:"type"`
	Deleted    bool            `json:"deleted" yaml:"deleted"`
	Virtual    bool            `json:"virtual,omitempty" yaml:"virtual,omitempty"`
	Condition  types.Condition `json:"condition" yaml:"condition"`
	Attributes string          `json:"attributes" yaml:"attributes"`
	Encrypted  bool            `json:"encrypted,omitempty" yaml:"encrypted,omitempty"`
	Streams    []string        `json:"streams,omitempty" yaml:"streams,omitempty"`
	Extension  string          `json:"extension,omitempty" yaml:"extension,omitempty"`
}

// InfoResponse describes a volume and the snapshot built over it
type InfoResponse struct {
	Volume     services.VolumeInfo `json:"volume" yaml:"volume"`
	Generation string              `json:"generation" yaml:"generation"`
	Options    string              `json:"options" yaml:"options"`
	Files      int                 `json:"files" yaml:"files"`
	Dirs       int                 `json:"dirs" yaml:"dirs"`
	Deleted    int                 `json:"deleted" yaml:"deleted"`
	Conditions map[string]int      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Warnings   []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// LostResponse is the lost cluster map of a volume
type LostResponse struct {
	Volume       services.VolumeInfo    `json:"volume" yaml:"volume"`
	Segments     []types.ClusterSegment `json:"segments" yaml:"segments"`
	LostClusters uint64                 `json:"lost_clusters" yaml:"lost_clusters"`
	LostBytes    uint64                 `json:"lost_bytes" yaml:"lost_bytes"`
}

// kind returns "dir" or "file"
func kind(isDir bool) string {
	if isDir {
		return "dir"
	}
	return "file"
}

// FormatSize returns a human-readable size string
func (f *FileResult) FormatSize() string {
	if f.Type == "dir" {
		return "-"
	}
	return formatBytes(f.Size)
}

// formatBytes formats byte count as human readable
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
