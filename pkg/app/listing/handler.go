package listing

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/deploymenttheory/go-undelete/internal/services"
	"github.com/deploymenttheory/go-undelete/internal/snapshot"
	"github.com/deploymenttheory/go-undelete/internal/types"
	"github.com/deploymenttheory/go-undelete/pkg/app"
)

// Handle processes a listing request
func Handle(ctx *app.Context, req *Request) (*Response, error) {
	startTime := time.Now()

	// 1. Validate request
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx.Log(fmt.Sprintf("Listing files in: %s", req.Target.Path))
	logFilters(ctx, req)

	// 2. Open the volume and build a snapshot
	e, tree, err := scan(ctx, &req.Target)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	// 3. Collect the matching paths
	ctx.Progress("Collecting results...", 100)
	response := &Response{
		Volume:     e.Info(),
		Generation: tree.Generation,
		Options:    req.Target.Options.Normalize().String(),
		Warnings:   warnings(tree),
	}
	err = tree.Walk(tree.Root, func(p string, item types.DirItem, rec *types.FileRecord, depth int) error {
		if depth == 0 && !req.IncludeVirtual && snapshot.IsSummaryDir(rec) {
			return snapshot.SkipDir
		}
		if !include(req, tree.ItemName(item), rec) {
			return nil
		}
		response.TotalFound++
		if req.MaxResults > 0 && len(response.Files) >= req.MaxResults {
			response.Truncated = true
			return nil
		}
		response.Files = append(response.Files, newFileResult(p, tree.ItemName(item), rec))
		return nil
	})
	if err != nil {
		return nil, app.WrapEngineError("failed to walk snapshot", err)
	}
	response.ScanTime = time.Since(startTime)

	ctx.Log(fmt.Sprintf("Listing completed: found %d entries in %v", response.TotalFound, response.ScanTime))
	return response, nil
}

// HandleInfo builds a snapshot and summarizes the volume
func HandleInfo(ctx *app.Context, target *app.VolumeTarget) (*InfoResponse, error) {
	e, tree, err := scan(ctx, target)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	response := &InfoResponse{
		Volume:     e.Info(),
		Generation: tree.Generation,
		Options:    target.Options.Normalize().String(),
		Conditions: make(map[string]int),
		Warnings:   warnings(tree),
	}
	for _, entry := range tree.Entries(false) {
		if entry.Virtual {
			continue
		}
		if entry.IsDir {
			response.Dirs++
		} else {
			response.Files++
		}
		if entry.Deleted {
			response.Deleted++
			if !entry.IsDir && entry.Condition != types.ConditionUnknown {
				response.Conditions[entry.Condition.String()]++
			}
		}
	}
	return response, nil
}

// HandleLost builds a snapshot with the lost cluster map enabled and returns the map
func HandleLost(ctx *app.Context, target *app.VolumeTarget) (*LostResponse, error) {
	t := *target
	t.Options |= types.OptLostClusterMap
	e, _, err := scan(ctx, &t)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	segments, err := e.LostClusterMap()
	if err != nil {
		return nil, app.WrapEngineError("failed to read lost cluster map", err)
	}
	response := &LostResponse{
		Volume:   e.Info(),
		Segments: segments,
	}
	for _, s := range segments {
		response.LostClusters += s.Count
	}
	response.LostBytes = response.LostClusters * uint64(response.Volume.BytesPerCluster)
	return response, nil
}

// scan opens the target and builds its snapshot. The caller closes the engine.
func scan(ctx *app.Context, target *app.VolumeTarget) (*services.Engine, *snapshot.Tree, error) {
	ctx.Progress("Opening volume...", 0)
	e, err := ctx.OpenEngine(target)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Update(e, target); err != nil {
		e.Close()
		return nil, nil, err
	}
	tree, err := e.Snapshot()
	if err != nil {
		e.Close()
		return nil, nil, app.WrapEngineError("no snapshot", err)
	}
	return e, tree, nil
}

// include applies the request filters to one tree item
func include(req *Request, name string, rec *types.FileRecord) bool {
	if req.DeletedOnly && !rec.IsDeleted() {
		return false
	}
	if rec.IsDir {
		return !req.hasFilters()
	}
	return req.matches(name)
}

func newFileResult(p, name string, rec *types.FileRecord) FileResult {
	result := FileResult{
		Path:       p,
		Name:       name,
		Size:       rec.Size(),
		Created:    rec.CreationTime,
		Modified:   rec.LastWriteTime,
		Accessed:   rec.LastAccessTime,
		Type:       kind(rec.IsDir),
		Deleted:    rec.IsDeleted(),
		Virtual:    rec.Has(types.FlagVirtualDir),
		Condition:  rec.Condition,
		Attributes: rec.Attributes.String(),
		Encrypted:  rec.Has(types.FlagEncrypted),
	}
	if !rec.IsDir {
		result.Extension = strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	}
	for _, s := range rec.Streams {
		if !s.IsDefault() {
			result.Streams = append(result.Streams, s.Name)
		}
	}
	return result
}

func warnings(tree *snapshot.Tree) []string {
	var out []string
	for _, w := range tree.Warnings {
		out = append(out, w.Error())
	}
	return out
}

// logFilters logs the listing filters for verbose output
func logFilters(ctx *app.Context, req *Request) {
	if !ctx.Verbose {
		return
	}

	ctx.Log("Listing criteria:")
	ctx.Log("  " + req.Target.String())
	if req.NamePattern != "" {
		ctx.Log(fmt.Sprintf("  Name pattern: %s", req.NamePattern))
	}
	if len(req.Extensions) > 0 {
		ctx.Log(fmt.Sprintf("  Extensions: %s", strings.Join(req.Extensions, ", ")))
	}
	if req.DeletedOnly {
		ctx.Log("  Deleted files only")
	}
}
