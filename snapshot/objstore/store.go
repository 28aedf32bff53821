// Package objstore has a snapshot object store backed by a Thanos object storage
// bucket, any of its providers (GCS, Azure, S3, Swift, filesystem...) can be used.
package objstore

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"

	"github.com/slok/goconcurrency/snapshot"
)

// Store is a snapshot.ObjectStore on an objstore.Bucket.
type Store struct {
	bucket objstore.Bucket
	prefix string
}

// NewStore returns a new bucket object store, keys will be stored under the prefix.
func NewStore(bucket objstore.Bucket, prefix string) *Store {
	return &Store{
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *Store) key(key string) string {
	return path.Join(s.prefix, key)
}

// Get satisfies snapshot.ObjectStore interface.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.Get(ctx, s.key(key))
	if err != nil {
		if s.bucket.IsObjNotFoundErr(err) {
			return nil, snapshot.ErrObjectNotFound
		}
		return nil, errors.Wrapf(err, "could not get %s", key)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", key)
	}

	return data, nil
}

// Put satisfies snapshot.ObjectStore interface.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.bucket.Upload(ctx, s.key(key), bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "could not upload %s", key)
	}
	return nil
}
