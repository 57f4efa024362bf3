package snapshot

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/deploymenttheory/go-undelete/internal/parsers/runs"
	"github.com/deploymenttheory/go-undelete/internal/types"
)

// filterChildren keeps the children of dir for which keep returns true
func (t *Tree) filterChildren(dir *types.FileRecord, keep func(types.DirItem, *types.FileRecord) bool) {
	j := 0
	for _, item := range dir.Children {
		r := t.Record(item.Record)
		if r != nil && keep(item, r) {
			dir.Children[j] = item
			j++
		}
	}
	dir.Children = dir.Children[:j]
}

// FilterExisting removes existing files, then existing directories left
// with nothing deleted inside. It reports whether dir ended up empty.
func (t *Tree) FilterExisting(dir types.RecordID) bool {
	return t.filterExisting(dir, 0)
}

func (t *Tree) filterExisting(dir types.RecordID, depth int) bool {
	d := t.Record(dir)
	if d == nil || depth >= MaxDepth {
		return false
	}
	t.filterChildren(d, func(_ types.DirItem, r *types.FileRecord) bool {
		if !r.IsDir {
			return r.IsDeleted()
		}
		empty := t.filterExisting(r.ID, depth+1)
		return !empty || r.IsDeleted()
	})
	return len(d.Children) == 0
}

// FilterZeroFiles removes files whose only stream is empty
func (t *Tree) FilterZeroFiles(dir types.RecordID) {
	t.filterZeroFiles(dir, 0)
}

func (t *Tree) filterZeroFiles(dir types.RecordID, depth int) {
	d := t.Record(dir)
	if d == nil || depth >= MaxDepth {
		return
	}
	t.filterChildren(d, func(_ types.DirItem, r *types.FileRecord) bool {
		if r.IsDir {
			t.filterZeroFiles(r.ID, depth+1)
			return true
		}
		s := r.DefaultStream()
		return s == nil || s.Size != 0 || len(r.Streams) > 1
	})
}

// FilterEmptyDirs removes directories that hold no files at any depth.
// It reports whether dir ended up with no children.
func (t *Tree) FilterEmptyDirs(dir types.RecordID) bool {
	return t.filterEmptyDirs(dir, 0)
}

func (t *Tree) filterEmptyDirs(dir types.RecordID, depth int) bool {
	d := t.Record(dir)
	if d == nil || depth >= MaxDepth {
		return false
	}
	t.filterChildren(d, func(_ types.DirItem, r *types.FileRecord) bool {
		return !r.IsDir || !t.filterEmptyDirs(r.ID, depth+1)
	})
	return len(d.Children) == 0
}

// Prune applies the zero file and the empty directory filters, in that order,
// unless opts asks to show what they would remove.
func (t *Tree) Prune(opts types.Options) {
	if !opts.Has(types.OptShowZeroFiles) {
		t.FilterZeroFiles(t.Root)
	}
	if !opts.Has(types.OptShowEmptyDirs) {
		t.FilterEmptyDirs(t.Root)
	}
}

// CollectDeleted returns every deleted file below dir, skipping the summary
// listings. A record reached through several parents is returned once.
func (t *Tree) CollectDeleted(dir types.RecordID) []types.DirItem {
	var out []types.DirItem
	seen := map[types.RecordID]bool{}
	t.Walk(dir, func(_ string, item types.DirItem, r *types.FileRecord, depth int) error {
		if r.IsDir {
			if depth == 0 && IsSummaryDir(r) {
				return SkipDir
			}
			return nil
		}
		if r.IsDeleted() && !seen[r.ID] {
			seen[r.ID] = true
			out = append(out, item)
		}
		return nil
	})
	return out
}

// RemoveDuplicates drops items that carry the same name, size and run list
// as an earlier item. Items are returned sorted by name.
func (t *Tree) RemoveDuplicates(items []types.DirItem) []types.DirItem {
	t.sortByName(items)
	if len(items) < 2 {
		return items
	}
	j := 0
	for i := 1; i < len(items); i++ {
		if !t.sameFile(items[j], items[i]) {
			j++
			items[j] = items[i]
		}
	}
	return items[:j+1]
}

func (t *Tree) sameFile(a, b types.DirItem) bool {
	if !strings.EqualFold(t.ItemName(a), t.ItemName(b)) {
		return false
	}
	sa, sb := t.Record(a.Record).DefaultStream(), t.Record(b.Record).DefaultStream()
	if sa == nil || sb == nil || len(sa.Pointers) == 0 || len(sb.Pointers) == 0 {
		return false
	}
	return sa.Size == sb.Size && runs.Equal(sa.Pointers, sb.Pointers)
}

func (t *Tree) sortByName(items []types.DirItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return strings.ToLower(t.ItemName(items[i])) < strings.ToLower(t.ItemName(items[j]))
	})
}

// RenameDuplicates gives deleted items that share a name with a sibling a
// numbered suffix, "name (1).ext". Children are left sorted by name.
func (t *Tree) RenameDuplicates(dir types.RecordID) {
	t.renameDuplicates(dir, 0)
}

func (t *Tree) renameDuplicates(dir types.RecordID, depth int) {
	d := t.Record(dir)
	if d == nil || depth >= MaxDepth {
		return
	}
	items := d.Children
	t.sortByName(items)
	for i := 0; i < len(items); {
		j := i + 1
		for j < len(items) && strings.EqualFold(t.ItemName(items[i]), t.ItemName(items[j])) {
			j++
		}
		if j-i > 1 {
			n := 1
			for _, item := range items[i:j] {
				r := t.Record(item.Record)
				if r.IsDeleted() {
					name := &r.Names[item.NameIndex].Name
					*name = AddNumberSuffix(*name, n)
					n++
				}
			}
		}
		i = j
	}
	for _, item := range items {
		if r := t.Record(item.Record); r.IsDir {
			t.renameDuplicates(r.ID, depth+1)
		}
	}
}

// AddNumberSuffix inserts " (n)" before the extension of name
func AddNumberSuffix(name string, n int) string {
	ext := path.Ext(name)
	if ext == name {
		ext = ""
	}
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
}

// AddDeletedFilesDir lists every deleted file of the tree, without
// duplicates, in a virtual directory under the root
func (t *Tree) AddDeletedFilesDir() *types.FileRecord {
	items := t.RemoveDuplicates(t.CollectDeleted(t.Root))
	dir := t.AddVirtualDir(t.Root, AllDeletedFilesName)
	dir.Children = items
	return dir
}
