package recovery

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/go-undelete/internal/services"
	"github.com/deploymenttheory/go-undelete/internal/types"
	"github.com/deploymenttheory/go-undelete/pkg/app"
)

// Handle processes an extraction request. An extraction that loses or
// reuses clusters still succeeds; the response's Partial field describes it.
func Handle(ctx *app.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx.Log(fmt.Sprintf("Extracting %s from %s", req.FilePath, req.Target.Path))
	ctx.Progress("Opening volume...", 0)
	e, err := ctx.OpenEngine(&req.Target)
	if err != nil {
		return nil, err
	}
	defer e.Close()

	if err := ctx.Update(e, &req.Target); err != nil {
		return nil, err
	}
	h, err := e.Lookup(req.FilePath)
	if err != nil {
		return nil, app.WrapEngineError("file not found in snapshot", err)
	}

	dest := req.destination()
	ctx.Progress("Writing "+dest, 100)
	w, finish, err := openOutput(ctx, dest, req.Overwrite)
	if err != nil {
		return nil, err
	}

	report, err := extract(ctx, e, h, req, w)
	response := &Response{FilePath: req.FilePath, OutputPath: dest, Report: report}

	var partial *types.PartialReadError
	if errors.As(err, &partial) {
		response.Partial = &PartialRead{
			Read:        partial.Read,
			Missing:     partial.Missing,
			Overwritten: partial.Overwritten,
		}
		if partial.Err != nil {
			response.Partial.Cause = partial.Err.Error()
		}
		err = nil
	}
	if ferr := finish(err != nil); err == nil && ferr != nil {
		err = ferr
	}
	if err != nil {
		return nil, app.WrapEngineError("failed to extract "+req.FilePath, err)
	}

	if report.Warning != "" {
		ctx.Log("Warning: " + report.Warning)
	}
	ctx.Log(fmt.Sprintf("Wrote %d bytes to %s", report.Written, dest))
	return response, nil
}

func extract(ctx *app.Context, e *services.Engine, h services.FileHandle, req *Request, w io.Writer) (*services.ExtractReport, error) {
	if req.RawEFS {
		return e.ExportRaw(ctx.Context, h, w)
	}
	return e.Extract(ctx.Context, h, req.Stream, w)
}

// openOutput opens the destination. finish closes it and removes a file
// left behind by a failed extraction.
func openOutput(ctx *app.Context, dest string, overwrite bool) (io.Writer, func(failed bool) error, error) {
	if dest == StdoutPath {
		return ctx.Out, func(bool) error { return nil }, nil
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, nil, app.NewError(app.ErrCodeInvalidInput, dest+" already exists", err)
		}
		return nil, nil, app.WrapEngineError("failed to create output file", err)
	}
	return f, func(failed bool) error {
		err := f.Close()
		if failed {
			os.Remove(dest)
		}
		return err
	}, nil
}
