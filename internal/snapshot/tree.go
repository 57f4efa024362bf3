// Package snapshot holds the directory tree shared by the FAT, exFAT and NTFS
// builders: an arena of records addressed by RecordID plus the passes that
// run over it once a filesystem has been walked.
package snapshot

import (
	"fmt"
	"io/fs"
	"path"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-undelete/internal/types"
)

// MaxDepth bounds every recursive walk over the tree
const MaxDepth = 200

// Names of the synthesized directories under the root
const (
	AllDeletedFilesName = "All Deleted Files"
	MetafilesName       = "Metafiles"
	OrphanDirFormat     = "Directory %d"
)

// Tree is one snapshot of a volume. Records are owned by the arena; the
// same record may be listed under several directories (hard links, virtual
// directories).
type Tree struct {
	Records      []*types.FileRecord
	Root         types.RecordID
	VolumeType   types.VolumeType
	ClusterSize  uint32
	Generation   string
	Warnings     []*types.MetadataError
	LostClusters []types.ClusterSegment
}

// New returns a tree holding only an empty root directory
func New(vt types.VolumeType, clusterSize uint32) *Tree {
	t := &Tree{VolumeType: vt, ClusterSize: clusterSize}
	root := t.NewRecord(true)
	root.Attributes = types.AttrDirectory
	root.Names = []types.FileName{{Name: ""}}
	t.Root = root.ID
	return t
}

// NewRecord allocates a record in the arena
func (t *Tree) NewRecord(isDir bool) *types.FileRecord {
	r := &types.FileRecord{ID: types.RecordID(len(t.Records)), IsDir: isDir}
	if isDir {
		r.Attributes |= types.AttrDirectory
	}
	t.Records = append(t.Records, r)
	return r
}

// Adopt moves a record built outside the tree into the arena and assigns
// its id
func (t *Tree) Adopt(r *types.FileRecord) *types.FileRecord {
	r.ID = types.RecordID(len(t.Records))
	t.Records = append(t.Records, r)
	return r
}

// Record returns the record with the given id, or nil
func (t *Tree) Record(id types.RecordID) *types.FileRecord {
	if id < 0 || int(id) >= len(t.Records) {
		return nil
	}
	return t.Records[id]
}

// RootRecord returns the volume root directory
func (t *Tree) RootRecord() *types.FileRecord {
	return t.Record(t.Root)
}

// AddChild lists child under parent using the child's name at nameIndex
func (t *Tree) AddChild(parent, child types.RecordID, nameIndex int) {
	p := t.Record(parent)
	if p == nil {
		return
	}
	p.Children = append(p.Children, types.DirItem{Record: child, NameIndex: nameIndex})
}

// AddVirtualDir creates a synthesized directory under parent
func (t *Tree) AddVirtualDir(parent types.RecordID, name string) *types.FileRecord {
	r := t.NewRecord(true)
	r.Flags |= types.FlagVirtualDir
	r.Names = []types.FileName{{Name: name}}
	t.AddChild(parent, r.ID, 0)
	return r
}

// FindChild returns the child of dir whose name matches case-insensitively
func (t *Tree) FindChild(dir types.RecordID, name string) (types.DirItem, bool) {
	d := t.Record(dir)
	if d == nil {
		return types.DirItem{}, false
	}
	for _, item := range d.Children {
		if strings.EqualFold(t.ItemName(item), name) {
			return item, true
		}
	}
	return types.DirItem{}, false
}

// ItemName returns the name a directory item is listed under
func (t *Tree) ItemName(item types.DirItem) string {
	r := t.Record(item.Record)
	if r == nil || item.NameIndex < 0 || item.NameIndex >= len(r.Names) {
		return ""
	}
	return r.Names[item.NameIndex].Name
}

// Warn records a recoverable metadata problem
func (t *Tree) Warn(err *types.MetadataError) {
	t.Warnings = append(t.Warnings, err)
	log.WithFields(log.Fields{
		"fs":    t.VolumeType.String(),
		"where": err.Where,
	}).Warn(err.Err)
}

// Lookup resolves a slash separated path from the root. Names are compared
// case-insensitively.
func (t *Tree) Lookup(p string) (*types.FileRecord, error) {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	cur := t.Root
	if p == "/" {
		return t.RootRecord(), nil
	}
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		item, ok := t.FindChild(cur, part)
		if !ok {
			return nil, fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		cur = item.Record
	}
	return t.Record(cur), nil
}

// Entry is one listed path of the tree
type Entry struct {
	Path      string          `json:"path" yaml:"path"`
	ID        types.RecordID  `json:"id" yaml:"id"`
	IsDir     bool            `json:"is_dir" yaml:"is_dir"`
	Deleted   bool            `json:"deleted" yaml:"deleted"`
	Virtual   bool            `json:"virtual,omitempty" yaml:"virtual,omitempty"`
	Condition types.Condition `json:"condition" yaml:"condition"`
	Size      uint64          `json:"size" yaml:"size"`
}

// WalkFunc is called for every item reached by Walk. Returning SkipDir from
// a directory skips its children.
type WalkFunc func(p string, item types.DirItem, rec *types.FileRecord, depth int) error

// SkipDir tells Walk not to descend into a directory
var SkipDir = fs.SkipDir

// Walk visits every item below dir depth first in child order. Paths are
// built from the names used in each parent; descent stops at MaxDepth.
func (t *Tree) Walk(dir types.RecordID, fn WalkFunc) error {
	return t.walk(dir, "", 0, fn)
}

func (t *Tree) walk(dir types.RecordID, prefix string, depth int, fn WalkFunc) error {
	d := t.Record(dir)
	if d == nil || depth >= MaxDepth {
		return nil
	}
	for _, item := range d.Children {
		rec := t.Record(item.Record)
		if rec == nil {
			continue
		}
		p := prefix + "/" + t.ItemName(item)
		err := fn(p, item, rec, depth)
		if err == SkipDir {
			continue
		}
		if err != nil {
			return err
		}
		if rec.IsDir {
			if err := t.walk(rec.ID, p, depth+1, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsSummaryDir reports whether rec is one of the root level listings that
// repeat records found elsewhere in the tree
func IsSummaryDir(rec *types.FileRecord) bool {
	if !rec.Has(types.FlagVirtualDir) {
		return false
	}
	name := rec.Name()
	return name == AllDeletedFilesName || name == MetafilesName
}

// Entries lists every path of the tree. The summary listings under the root
// are included when withVirtual is set.
func (t *Tree) Entries(withVirtual bool) []Entry {
	var out []Entry
	t.Walk(t.Root, func(p string, _ types.DirItem, rec *types.FileRecord, depth int) error {
		virtual := rec.Has(types.FlagVirtualDir)
		if depth == 0 && !withVirtual && IsSummaryDir(rec) {
			return SkipDir
		}
		out = append(out, Entry{
			Path:      p,
			ID:        rec.ID,
			IsDir:     rec.IsDir,
			Deleted:   rec.IsDeleted(),
			Virtual:   virtual,
			Condition: rec.Condition,
			Size:      rec.Size(),
		})
		return nil
	})
	return out
}
