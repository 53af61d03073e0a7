package repository

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"pluginstager/internal/apperrors"
)

// File is a Maven-layout repository on the local filesystem, such as
// ~/.m2/repository.
type File struct {
	name string
	root string
}

// NewFile creates a filesystem repository.
func NewFile(name, root string) *File {
	return &File{name: name, root: root}
}

func (r *File) Name() string { return r.name }

// Get opens the artifact file.
func (r *File) Get(ctx context.Context, req Request) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyTransport("repository."+r.name+".get", err)
	}
	f, err := os.Open(filepath.Join(r.root, filepath.FromSlash(req.Path())))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NotFound(req.String(), r.name)
		}
		return nil, apperrors.Terminal("repository."+r.name+".get", err)
	}
	return f, nil
}

var _ Repository = (*File)(nil)
