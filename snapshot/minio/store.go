// Package minio has a snapshot object store backed by MinIO or any
// S3 compatible storage.
package minio

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/pkg/errors"

	"github.com/slok/goconcurrency/snapshot"
)

// Store is a snapshot.ObjectStore on a MinIO bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore returns a new MinIO object store, keys will be stored under the prefix.
func NewStore(client *minio.Client, bucket, prefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *Store) key(key string) string {
	return path.Join(s.prefix, key)
}

// Get satisfies snapshot.ObjectStore interface.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapErr(err, key)
	}
	defer obj.Close()

	// The request is made on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrapErr(err, key)
	}

	return data, nil
}

// Put satisfies snapshot.ObjectStore interface.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return errors.Wrapf(err, "could not put %s", key)
	}

	return nil
}

func (s *Store) wrapErr(err error, key string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return snapshot.ErrObjectNotFound
	}
	return errors.Wrapf(err, "could not get %s", key)
}
