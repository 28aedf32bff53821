// Package file has a snapshot object store backed by a filesystem.
package file

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/slok/goconcurrency/snapshot"
)

// Store is a snapshot.ObjectStore that stores every object as a file under
// a root directory.
type Store struct {
	fs   afero.Fs
	root string
}

// NewStore returns a new file object store. Use afero.NewOsFs for the
// real filesystem.
func NewStore(fsys afero.Fs, root string) *Store {
	return &Store{
		fs:   fsys,
		root: root,
	}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Get satisfies snapshot.ObjectStore interface.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, snapshot.ErrObjectNotFound
		}
		return nil, errors.Wrapf(err, "could not read %s", key)
	}

	return data, nil
}

// Put satisfies snapshot.ObjectStore interface. The file is replaced
// atomically so readers never see a partial document.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.path(key)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "could not create directory for %s", key)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "could not write %s", key)
	}

	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrapf(err, "could not replace %s", key)
	}

	return nil
}
