package snapshot

import (
	"context"
	"path"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/slok/goconcurrency/concurrency"
	gcerrors "github.com/slok/goconcurrency/errors"
	"github.com/slok/goconcurrency/metrics"
)

const (
	operationRead  = "read"
	operationWrite = "write"
)

// ErrObjectNotFound is returned by the object stores when the key is missing.
var ErrObjectNotFound = gcerrors.ErrObjectNotFound

// IsObjectNotFound returns true if the error is (or wraps) an object not found error.
func IsObjectNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// Repository knows how to persist the concurrency snapshot of a host.
//
// Persistence is best effort, a repository never makes the host fail.
type Repository interface {
	// Read returns the persisted snapshot. When there is no snapshot or
	// it can't be retrieved it returns nil without error.
	Read(ctx context.Context) (*concurrency.HostConcurrencySnapshot, error)
	// Write persists the snapshot, callers must treat errors as non fatal.
	Write(ctx context.Context, snapshot concurrency.HostConcurrencySnapshot) error
}

// ObjectStore is a key/value storage of raw objects.
type ObjectStore interface {
	// Get returns the object data, ErrObjectNotFound if the key is missing.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores the object data, replacing the previous one.
	Put(ctx context.Context, key string, data []byte) error
}

// Key returns the object key of the host concurrency snapshot.
func Key(hostID string) string {
	return path.Join("concurrency", hostID, "concurrencyStatus.json")
}

// BlobRepositoryConfig is the configuration of the BlobRepository.
type BlobRepositoryConfig struct {
	// Store is the object store where the snapshot document lives.
	Store ObjectStore
	// HostID is the stable identifier of the host, part of the object key.
	HostID string
	// Logger is the logger.
	Logger log.Logger
	// MetricsRecorder is the metrics recorder.
	MetricsRecorder metrics.Recorder
}

func (c *BlobRepositoryConfig) defaults() error {
	if c.Store == nil {
		return errors.Wrap(gcerrors.ErrInvalidConfig, "object store is required")
	}

	if c.HostID == "" {
		return errors.Wrap(gcerrors.ErrInvalidConfig, "host ID is required")
	}

	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}

	if c.MetricsRecorder == nil {
		c.MetricsRecorder = metrics.Dummy
	}

	return nil
}

// BlobRepository is a Repository that stores the snapshot as a single JSON
// document per host in an ObjectStore.
type BlobRepository struct {
	cfg    BlobRepositoryConfig
	key    string
	logger log.Logger
}

// NewBlobRepository returns a new BlobRepository.
func NewBlobRepository(cfg BlobRepositoryConfig) (*BlobRepository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}

	key := Key(cfg.HostID)
	return &BlobRepository{
		cfg:    cfg,
		key:    key,
		logger: log.With(cfg.Logger, "component", "snapshot-repository", "key", key),
	}, nil
}

// Read satisfies Repository interface.
func (b *BlobRepository) Read(ctx context.Context) (*concurrency.HostConcurrencySnapshot, error) {
	data, err := b.cfg.Store.Get(ctx, b.key)
	if err != nil {
		if IsObjectNotFound(err) {
			b.cfg.MetricsRecorder.IncSnapshotOperation(operationRead, true)
			level.Debug(b.logger).Log("msg", "no concurrency snapshot found")
			return nil, nil
		}

		b.cfg.MetricsRecorder.IncSnapshotOperation(operationRead, false)
		level.Warn(b.logger).Log("msg", "failed to read concurrency snapshot", "err", err)
		return nil, nil
	}

	snap, err := Decode(data)
	if err != nil {
		b.cfg.MetricsRecorder.IncSnapshotOperation(operationRead, false)
		level.Warn(b.logger).Log("msg", "invalid concurrency snapshot, ignoring", "err", err)
		return nil, nil
	}

	b.cfg.MetricsRecorder.IncSnapshotOperation(operationRead, true)
	return snap, nil
}

// Write satisfies Repository interface.
func (b *BlobRepository) Write(ctx context.Context, snapshot concurrency.HostConcurrencySnapshot) error {
	data, err := Encode(snapshot)
	if err != nil {
		b.cfg.MetricsRecorder.IncSnapshotOperation(operationWrite, false)
		return errors.Wrap(err, "could not encode snapshot")
	}

	if err := b.cfg.Store.Put(ctx, b.key, data); err != nil {
		b.cfg.MetricsRecorder.IncSnapshotOperation(operationWrite, false)
		return errors.Wrapf(err, "could not store snapshot %s", b.key)
	}

	b.cfg.MetricsRecorder.IncSnapshotOperation(operationWrite, true)
	return nil
}
