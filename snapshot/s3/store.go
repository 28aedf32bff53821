// Package s3 has a snapshot object store backed by AWS S3.
package s3

import (
	"bytes"
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/slok/goconcurrency/snapshot"
)

// Client is the subset of the S3 API used by the store, satisfied by *s3.Client.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store is a snapshot.ObjectStore on an S3 bucket.
type Store struct {
	client Client
	bucket string
	prefix string
}

// NewStore returns a new S3 object store, keys will be stored under the prefix.
func NewStore(client Client, bucket, prefix string) *Store {
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
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, snapshot.ErrObjectNotFound
		}
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, snapshot.ErrObjectNotFound
		}
		return nil, errors.Wrapf(err, "could not get %s", key)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", key)
	}

	return data, nil
}

// Put satisfies snapshot.ObjectStore interface.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return errors.Wrapf(err, "could not put %s", key)
	}

	return nil
}
