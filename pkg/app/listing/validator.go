package listing

import (
	"path/filepath"
	"strings"

	"github.com/deploymenttheory/go-undelete/pkg/app"
)

// Validate validates a listing request
func (r *Request) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid volume target", err)
	}

	if r.NamePattern != "" {
		if _, err := filepath.Match(r.NamePattern, ""); err != nil {
			return app.NewError(app.ErrCodeInvalidInput, "invalid name pattern", err)
		}
	}

	for _, ext := range r.Extensions {
		if strings.TrimPrefix(ext, ".") == "" {
			return app.NewError(app.ErrCodeInvalidInput, "empty extension filter", nil)
		}
		if strings.ContainsAny(ext, `/\`) {
			return app.NewError(app.ErrCodeInvalidInput, "invalid extension: "+ext, nil)
		}
	}

	if r.MaxResults < 0 {
		return app.NewError(app.ErrCodeInvalidInput, "max results must not be negative", nil)
	}

	return nil
}

// hasFilters reports whether the request narrows the listing by name
func (r *Request) hasFilters() bool {
	return r.NamePattern != "" || len(r.Extensions) > 0
}

// matches applies the name filters to a file name
func (r *Request) matches(name string) bool {
	if r.NamePattern != "" {
		matched, _ := filepath.Match(strings.ToLower(r.NamePattern), strings.ToLower(name))
		if !matched {
			return false
		}
	}
	if len(r.Extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	for _, want := range r.Extensions {
		if strings.EqualFold(strings.TrimPrefix(want, "."), ext) {
			return true
		}
	}
	return false
}
