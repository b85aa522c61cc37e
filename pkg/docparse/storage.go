package docparse

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// Storage reads uploaded files.
type Storage interface {
	Open(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// DirStorage serves files from a local directory, one file per ID.
type DirStorage struct {
	Root string
}

// Assert DirStorage implements Storage.
var _ Storage = (*DirStorage)(nil)

// Open opens a file below Root. IDs cannot escape Root.
func (d *DirStorage) Open(_ context.Context, fileID string) (io.ReadCloser, error) {
	clean := path.Clean("/" + fileID)
	if clean == "/" {
		return nil, fmt.Errorf("invalid file id: %q", fileID)
	}
	f, err := os.Open(filepath.Join(d.Root, filepath.FromSlash(clean)))
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", fileID, err)
	}
	return f, nil
}
