// Package repository fetches artifact bytes from Maven-layout repositories.
package repository

import (
	"context"
	"io"
	"strings"
)

// Request identifies one artifact file in a repository.
type Request struct {
	Group     string
	Name      string
	Version   string
	Extension string
}

// Path returns the Maven layout path, e.g.
// com/h3xstream/findsecbugs/findsecbugs-plugin/1.12.0/findsecbugs-plugin-1.12.0.jar.
func (r Request) Path() string {
	ext := r.Extension
	if ext == "" {
		ext = "jar"
	}
	return strings.ReplaceAll(r.Group, ".", "/") + "/" + r.Name + "/" + r.Version + "/" +
		r.Name + "-" + r.Version + "." + ext
}

func (r Request) String() string { return r.Group + ":" + r.Name + ":" + r.Version }

// Repository serves artifact content.
//
// Get returns an error classified with apperrors: ErrNotFound when the
// repository does not have the artifact, ErrTransient or ErrTimeout when a
// retry may help, anything else is terminal. The caller closes the reader.
type Repository interface {
	Name() string
	Get(ctx context.Context, req Request) (io.ReadCloser, error)
}
