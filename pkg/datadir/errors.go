package datadir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	ErrorInvalidPath      = "invalid_path"
	ErrorOutsideDir       = "outside_data_dir"
	ErrorPathNotFound     = "path_not_found"
	ErrorPermissionDenied = "permission_denied"
	ErrorIO               = "io_error"
)

// Error is a categorized data directory failure.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func NewError(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// CategoryFromError returns the stable category for an error when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	if errors.Is(err, fs.ErrNotExist) {
		return ErrorPathNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return ErrorPermissionDenied
	}

	return ErrorIO
}

func normalizeIOError(err error, detail string) error {
	if err == nil {
		return nil
	}

	category := CategoryFromError(err)
	switch category {
	case ErrorPathNotFound:
		return NewError(category, detail+": path does not exist")
	case ErrorPermissionDenied:
		return NewError(category, detail+": operation not permitted")
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return NewError(category, detail+": "+pathErr.Err.Error())
	}

	return NewError(category, detail+": "+err.Error())
}
