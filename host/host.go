// Package host wires the dynamic concurrency components of a function host:
// throttle monitors, the concurrency manager and the snapshot persistence.
package host

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/thanos-io/objstore/providers/filesystem"
	"golang.org/x/sync/errgroup"

	"github.com/slok/goconcurrency/concurrency"
	"github.com/slok/goconcurrency/metrics"
	"github.com/slok/goconcurrency/snapshot"
	snapddb "github.com/slok/goconcurrency/snapshot/dynamodb"
	snapfile "github.com/slok/goconcurrency/snapshot/file"
	snapminio "github.com/slok/goconcurrency/snapshot/minio"
	snapobjstore "github.com/slok/goconcurrency/snapshot/objstore"
	snaps3 "github.com/slok/goconcurrency/snapshot/s3"
	"github.com/slok/goconcurrency/throttle"
	"github.com/slok/goconcurrency/throttle/monitor"
)

// Options are the dependencies of the host, all of them are optional.
type Options struct {
	Logger          log.Logger
	MetricsRecorder metrics.Recorder
	// ObjectStore replaces the configured snapshot backend.
	ObjectStore snapshot.ObjectStore
	// CPUSampler replaces the configured CPU source.
	CPUSampler monitor.CPUSampler
	// MemorySampler replaces the process memory source.
	MemorySampler monitor.MemorySampler
	// Prober replaces the goroutine scheduling prober.
	Prober monitor.Prober
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}

	if o.MetricsRecorder == nil {
		o.MetricsRecorder = metrics.Dummy
	}
}

// Host has the dynamic concurrency components of a function host.
type Host struct {
	cfg        Config
	hostID     string
	logger     log.Logger
	manager    *concurrency.Manager
	aggregator *throttle.Aggregator
	monitors   []services.Service
	pump       *snapshot.Pump

	// cancel stops the services context, services run until Stop.
	cancel context.CancelFunc
}

// New returns a new Host. Snapshot backends that can't be created are logged
// and the host runs without persistence.
func New(ctx context.Context, cfg Config, opts Options) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts.defaults()

	h := &Host{
		cfg:    cfg,
		hostID: resolveHostID(cfg.HostID),
		logger: opts.Logger,
	}

	monitors, err := h.newMonitors(opts)
	if err != nil {
		return nil, err
	}
	h.aggregator = throttle.NewAggregator(monitors...)

	cc := cfg.Concurrency
	h.manager, err = concurrency.New(concurrency.Config{
		DynamicConcurrencyEnabled:  cc.DynamicConcurrencyEnabled,
		SnapshotPersistenceEnabled: cc.SnapshotPersistenceEnabled,
		MaximumFunctionConcurrency: cc.MaximumFunctionConcurrency,
		TotalAvailableMemoryBytes:  cc.TotalAvailableMemoryBytes,
		AdjustmentInterval:         cc.AdjustmentInterval,
		IncreaseStep:               cc.IncreaseStep,
		DecreaseRatio:              cc.DecreaseRatio,
		ThrottleStatusGetter:       h.aggregator,
		Logger:                     opts.Logger,
		MetricsRecorder:            opts.MetricsRecorder,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not create concurrency manager")
	}

	if cc.SnapshotPersistenceEnabled {
		h.pump, err = snapshot.NewPump(snapshot.PumpConfig{
			Snapshotter:      h.manager,
			Repository:       h.newRepository(ctx, opts),
			Interval:         cfg.Snapshot.Interval,
			OperationTimeout: cfg.Snapshot.OperationTimeout,
			FlushTimeout:     cfg.Snapshot.FlushTimeout,
			Logger:           opts.Logger,
			MetricsRecorder:  opts.MetricsRecorder,
		})
		if err != nil {
			return nil, errors.Wrap(err, "could not create snapshot pump")
		}
	}

	return h, nil
}

// ID returns the host identifier.
func (h *Host) ID() string { return h.hostID }

// Manager returns the concurrency manager, the admission controller of the listeners.
func (h *Host) Manager() *concurrency.Manager { return h.manager }

// ThrottleStatus returns the current host throttle status.
func (h *Host) ThrottleStatus() throttle.Status { return h.aggregator.Status() }

// Start restores the snapshot (if persistence is enabled) and starts the
// monitors and the concurrency adjustments. The services keep running after
// ctx is done, until Stop is called.
func (h *Host) Start(ctx context.Context) error {
	svcCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	if h.pump != nil {
		if err := startAndAwaitRunning(ctx, svcCtx, h.pump); err != nil {
			cancel()
			return errors.Wrap(err, "could not start snapshot pump")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range h.services() {
		g.Go(func() error {
			return startAndAwaitRunning(gctx, svcCtx, s)
		})
	}
	if err := g.Wait(); err != nil {
		cancel()
		return errors.Wrap(err, "could not start dynamic concurrency")
	}

	level.Info(h.logger).Log("msg", "dynamic concurrency started", "host", h.hostID, "enabled", h.manager.Enabled(), "persistence", h.pump != nil)
	return nil
}

// Stop flushes the snapshot (if persistence is enabled) and stops everything.
func (h *Host) Stop(ctx context.Context) error {
	if h.cancel != nil {
		defer h.cancel()
	}

	// Stop the pump first so the final flush has the latest concurrency.
	if h.pump != nil {
		if err := services.StopAndAwaitTerminated(ctx, h.pump); err != nil {
			level.Warn(h.logger).Log("msg", "snapshot pump stopped with error", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range h.services() {
		g.Go(func() error {
			return services.StopAndAwaitTerminated(gctx, s)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "could not stop dynamic concurrency")
	}

	level.Info(h.logger).Log("msg", "dynamic concurrency stopped", "host", h.hostID)
	return nil
}

// startAndAwaitRunning starts the service bound to the services context and
// waits until it's running or ctx is done.
func startAndAwaitRunning(ctx, svcCtx context.Context, s services.Service) error {
	if err := s.StartAsync(svcCtx); err != nil {
		return err
	}
	return s.AwaitRunning(ctx)
}

func (h *Host) services() []services.Service {
	svcs := []services.Service{h.manager}
	// Without dynamic concurrency nobody reads the throttle status.
	if h.manager.Enabled() {
		svcs = append(svcs, h.monitors...)
	}
	return svcs
}

func (h *Host) newMonitors(opts Options) ([]throttle.Monitor, error) {
	mc := h.cfg.Monitors

	cpuSampler := opts.CPUSampler
	if cpuSampler == nil && mc.CPU.Source == CPUSourceProcess {
		s, err := monitor.NewProcessCPUSampler()
		if err != nil {
			return nil, errors.Wrap(err, "could not create process CPU sampler")
		}
		cpuSampler = s
	}

	cpu := monitor.NewCPU(monitor.CPUConfig{
		Sampler:             cpuSampler,
		ThresholdPercent:    mc.CPU.ThresholdPercent,
		WindowSize:          mc.CPU.WindowSize,
		SampleInterval:      mc.CPU.Debounce.SampleInterval,
		EnableAfterSamples:  mc.CPU.Debounce.EnableAfterSamples,
		DisableAfterSamples: mc.CPU.Debounce.DisableAfterSamples,
		Logger:              opts.Logger,
		MetricsRecorder:     opts.MetricsRecorder,
	})

	mem := monitor.NewMemory(monitor.MemoryConfig{
		Sampler:                   opts.MemorySampler,
		TotalAvailableMemoryBytes: h.cfg.Concurrency.TotalAvailableMemoryBytes,
		ThresholdRatio:            mc.Memory.ThresholdRatio,
		SampleInterval:            mc.Memory.Debounce.SampleInterval,
		EnableAfterSamples:        mc.Memory.Debounce.EnableAfterSamples,
		DisableAfterSamples:       mc.Memory.Debounce.DisableAfterSamples,
		Logger:                    opts.Logger,
		MetricsRecorder:           opts.MetricsRecorder,
	})

	tp := monitor.NewThreadPool(monitor.ThreadPoolConfig{
		Prober:              opts.Prober,
		LatencyThreshold:    mc.ThreadPool.LatencyThreshold,
		ProbeTimeout:        mc.ThreadPool.ProbeTimeout,
		SampleInterval:      mc.ThreadPool.Debounce.SampleInterval,
		EnableAfterSamples:  mc.ThreadPool.Debounce.EnableAfterSamples,
		DisableAfterSamples: mc.ThreadPool.Debounce.DisableAfterSamples,
		Logger:              opts.Logger,
		MetricsRecorder:     opts.MetricsRecorder,
	})

	h.monitors = []services.Service{cpu, mem, tp}
	return []throttle.Monitor{cpu, mem, tp}, nil
}

// newRepository returns the snapshot repository, nil if the backend can't be created.
func (h *Host) newRepository(ctx context.Context, opts Options) snapshot.Repository {
	store := opts.ObjectStore
	if store == nil {
		s, err := newObjectStore(ctx, h.cfg.Snapshot)
		if err != nil {
			level.Warn(h.logger).Log("msg", "could not create snapshot storage, running without persistence", "backend", h.cfg.Snapshot.Backend, "err", err)
			return nil
		}
		store = s
	}

	repo, err := snapshot.NewBlobRepository(snapshot.BlobRepositoryConfig{
		Store:           store,
		HostID:          h.hostID,
		Logger:          opts.Logger,
		MetricsRecorder: opts.MetricsRecorder,
	})
	if err != nil {
		level.Warn(h.logger).Log("msg", "could not create snapshot repository, running without persistence", "err", err)
		return nil
	}

	return repo
}

func newObjectStore(ctx context.Context, cfg SnapshotConfig) (snapshot.ObjectStore, error) {
	switch cfg.Backend {
	case BackendMemory:
		return snapshot.NewMemoryStore(), nil

	case BackendFilesystem:
		return snapfile.NewStore(afero.NewOsFs(), cfg.Filesystem.Directory), nil

	case BackendBucket:
		bkt, err := filesystem.NewBucket(cfg.Bucket.Directory)
		if err != nil {
			return nil, errors.Wrap(err, "could not create filesystem bucket")
		}
		return snapobjstore.NewStore(bkt, cfg.Bucket.Prefix), nil

	case BackendMinIO:
		client, err := minio.New(cfg.MinIO.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIO.AccessKeyID, cfg.MinIO.SecretAccessKey, ""),
			Secure: !cfg.MinIO.Insecure,
		})
		if err != nil {
			return nil, errors.Wrap(err, "could not create minio client")
		}
		return snapminio.NewStore(client, cfg.MinIO.Bucket, cfg.MinIO.Prefix), nil

	case BackendS3:
		awsCfg, err := loadAWSConfig(ctx, cfg.S3.Region)
		if err != nil {
			return nil, err
		}
		return snaps3.NewStore(awss3.NewFromConfig(awsCfg), cfg.S3.Bucket, cfg.S3.Prefix), nil

	case BackendDynamoDB:
		awsCfg, err := loadAWSConfig(ctx, cfg.DynamoDB.Region)
		if err != nil {
			return nil, err
		}
		return snapddb.NewStore(awsdynamodb.NewFromConfig(awsCfg), cfg.DynamoDB.Table), nil
	}

	return nil, errors.Errorf("unsupported backend %q", cfg.Backend)
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return cfg, errors.Wrap(err, "could not load AWS config")
	}
	return cfg, nil
}

func resolveHostID(id string) string {
	if id != "" {
		return id
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return uuid.NewString()
	}
	return hostname
}
