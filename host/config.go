package host

import (
	"flag"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	gcerrors "github.com/slok/goconcurrency/errors"
)

// Snapshot storage backends.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
	BackendBucket     = "bucket"
	BackendMinIO      = "minio"
	BackendS3         = "s3"
	BackendDynamoDB   = "dynamodb"
)

// CPU sampling sources.
const (
	CPUSourceHost    = "host"
	CPUSourceProcess = "process"
)

var supportedBackends = []string{BackendMemory, BackendFilesystem, BackendBucket, BackendMinIO, BackendS3, BackendDynamoDB}

// Config is the configuration of the host dynamic concurrency.
type Config struct {
	// HostID identifies the host snapshot, by default the hostname.
	HostID string `yaml:"host_id"`

	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Monitors    MonitorsConfig    `yaml:"monitors"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
}

// RegisterFlags registers the flags and sets the default values of the config.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.HostID, "host.id", "", "Stable identifier of the host, used as the snapshot key. Defaults to the hostname.")
	cfg.Concurrency.RegisterFlagsWithPrefix(f, "concurrency.")
	cfg.Monitors.RegisterFlagsWithPrefix(f, "monitors.")
	cfg.Snapshot.RegisterFlagsWithPrefix(f, "snapshot.")
}

// Validate returns an error if the configuration is invalid.
func (cfg *Config) Validate() error {
	if err := cfg.Concurrency.Validate(); err != nil {
		return errors.Wrap(err, "concurrency")
	}
	if err := cfg.Monitors.Validate(); err != nil {
		return errors.Wrap(err, "monitors")
	}
	if cfg.Concurrency.SnapshotPersistenceEnabled {
		if err := cfg.Snapshot.Validate(); err != nil {
			return errors.Wrap(err, "snapshot")
		}
	}
	return nil
}

// ConfigFileFlag is the command line flag of the YAML configuration file.
const ConfigFileFlag = "config.file"

// LoadConfig returns the configuration with the defaults, overridden by the YAML
// document and then by the command line arguments.
func LoadConfig(yamlData []byte, args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("host", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	// Read by the caller to get the YAML document, see ConfigFileFlag.
	fs.String(ConfigFileFlag, "", "YAML configuration file.")

	if len(yamlData) > 0 {
		if err := yaml.Unmarshal(yamlData, &cfg); err != nil {
			return Config{}, errors.Wrap(err, "could not parse YAML config")
		}
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, errors.Wrap(err, "could not parse flags")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ConcurrencyConfig is the concurrency manager configuration.
type ConcurrencyConfig struct {
	DynamicConcurrencyEnabled  bool          `yaml:"dynamic_concurrency_enabled"`
	SnapshotPersistenceEnabled bool          `yaml:"snapshot_persistence_enabled"`
	MaximumFunctionConcurrency int           `yaml:"maximum_function_concurrency"`
	TotalAvailableMemoryBytes  int64         `yaml:"total_available_memory_bytes"`
	AdjustmentInterval         time.Duration `yaml:"adjustment_interval"`
	IncreaseStep               int           `yaml:"increase_step"`
	DecreaseRatio              float64       `yaml:"decrease_ratio"`
}

// RegisterFlagsWithPrefix registers the flags with a prefix.
func (cfg *ConcurrencyConfig) RegisterFlagsWithPrefix(f *flag.FlagSet, prefix string) {
	f.BoolVar(&cfg.DynamicConcurrencyEnabled, prefix+"dynamic-enabled", false, "Enable the dynamic concurrency of the functions.")
	f.BoolVar(&cfg.SnapshotPersistenceEnabled, prefix+"snapshot-persistence-enabled", false, "Persist the concurrency snapshot so restarts start from the previous concurrency.")
	f.IntVar(&cfg.MaximumFunctionConcurrency, prefix+"maximum-function-concurrency", 500, "Max concurrency a function can reach.")
	f.Int64Var(&cfg.TotalAvailableMemoryBytes, prefix+"total-available-memory-bytes", 0, "Memory budget of the host in bytes. 0 disables the memory throttle.")
	f.DurationVar(&cfg.AdjustmentInterval, prefix+"adjustment-interval", time.Second, "Interval between concurrency adjustments.")
	f.IntVar(&cfg.IncreaseStep, prefix+"increase-step", 1, "Concurrency added to active functions on every adjustment without throttle.")
	f.Float64Var(&cfg.DecreaseRatio, prefix+"decrease-ratio", 0.5, "Ratio the concurrency is multiplied by on every adjustment with throttle.")
}

// Validate returns an error if the configuration is invalid.
func (cfg *ConcurrencyConfig) Validate() error {
	if cfg.MaximumFunctionConcurrency <= 0 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "maximum function concurrency must be positive, got %d", cfg.MaximumFunctionConcurrency)
	}
	if cfg.TotalAvailableMemoryBytes < 0 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "total available memory can't be negative, got %d", cfg.TotalAvailableMemoryBytes)
	}
	if cfg.AdjustmentInterval <= 0 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "adjustment interval must be positive, got %s", cfg.AdjustmentInterval)
	}
	if cfg.IncreaseStep <= 0 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "increase step must be positive, got %d", cfg.IncreaseStep)
	}
	if cfg.DecreaseRatio <= 0 || cfg.DecreaseRatio >= 1 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "decrease ratio must be in the (0, 1) range, got %f", cfg.DecreaseRatio)
	}
	return nil
}

// MonitorsConfig is the throttle monitors configuration.
type MonitorsConfig struct {
	CPU        CPUMonitorConfig        `yaml:"cpu"`
	Memory     MemoryMonitorConfig     `yaml:"memory"`
	ThreadPool ThreadPoolMonitorConfig `yaml:"thread_pool"`
}

// RegisterFlagsWithPrefix registers the flags with a prefix.
func (cfg *MonitorsConfig) RegisterFlagsWithPrefix(f *flag.FlagSet, prefix string) {
	cfg.CPU.RegisterFlagsWithPrefix(f, prefix+"cpu.")
	cfg.Memory.RegisterFlagsWithPrefix(f, prefix+"memory.")
	cfg.ThreadPool.RegisterFlagsWithPrefix(f, prefix+"thread-pool.")
}

// Validate returns an error if the configuration is invalid.
func (cfg *MonitorsConfig) Validate() error {
	if err := cfg.CPU.Validate(); err != nil {
		return errors.Wrap(err, "cpu")
	}
	if err := cfg.Memory.Validate(); err != nil {
		return errors.Wrap(err, "memory")
	}
	if err := cfg.ThreadPool.Validate(); err != nil {
		return errors.Wrap(err, "thread pool")
	}
	return nil
}

// DebounceConfig is the debounce window of a monitor.
type DebounceConfig struct {
	SampleInterval      time.Duration `yaml:"sample_interval"`
	EnableAfterSamples  int           `yaml:"enable_after_samples"`
	DisableAfterSamples int           `yaml:"disable_after_samples"`
}

func (cfg *DebounceConfig) registerFlagsWithPrefix(f *flag.FlagSet, prefix string, enableAfter, disableAfter int) {
	f.DurationVar(&cfg.SampleInterval, prefix+"sample-interval", time.Second, "Interval between resource samples.")
	f.IntVar(&cfg.EnableAfterSamples, prefix+"enable-after-samples", enableAfter, "Consecutive bad samples required to enable the throttle.")
	f.IntVar(&cfg.DisableAfterSamples, prefix+"disable-after-samples", disableAfter, "Consecutive good samples required to disable the throttle.")
}

func (cfg *DebounceConfig) validate() error {
	if cfg.SampleInterval <= 0 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "sample interval must be positive, got %s", cfg.SampleInterval)
	}
	if cfg.EnableAfterSamples <= 0 || cfg.DisableAfterSamples <= 0 {
		return errors.Wrap(gcerrors.ErrInvalidConfig, "debounce samples must be positive")
	}
	return nil
}

// CPUMonitorConfig is the CPU monitor configuration.
type CPUMonitorConfig struct {
	Source           string         `yaml:"source"`
	ThresholdPercent float64        `yaml:"threshold_percent"`
	WindowSize       int            `yaml:"window_size"`
	Debounce         DebounceConfig `yaml:",inline"`
}

// RegisterFlagsWithPrefix registers the flags with a prefix.
func (cfg *CPUMonitorConfig) RegisterFlagsWithPrefix(f *flag.FlagSet, prefix string) {
	f.StringVar(&cfg.Source, prefix+"source", CPUSourceHost, fmt.Sprintf("CPU utilization source. Supported values: %s, %s.", CPUSourceHost, CPUSourceProcess))
	f.Float64Var(&cfg.ThresholdPercent, prefix+"threshold-percent", 80, "CPU utilization percent above which the host is throttled.")
	f.IntVar(&cfg.WindowSize, prefix+"window-size", 10, "Number of samples of the CPU utilization sliding window.")
	cfg.Debounce.registerFlagsWithPrefix(f, prefix, 5, 5)
}

// Validate returns an error if the configuration is invalid.
func (cfg *CPUMonitorConfig) Validate() error {
	if cfg.Source != CPUSourceHost && cfg.Source != CPUSourceProcess {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "unsupported CPU source %q", cfg.Source)
	}
	if cfg.ThresholdPercent <= 0 || cfg.ThresholdPercent > 100 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "threshold percent must be in the (0, 100] range, got %f", cfg.ThresholdPercent)
	}
	if cfg.WindowSize <= 0 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "window size must be positive, got %d", cfg.WindowSize)
	}
	return cfg.Debounce.validate()
}

// MemoryMonitorConfig is the memory monitor configuration.
type MemoryMonitorConfig struct {
	ThresholdRatio float64        `yaml:"threshold_ratio"`
	Debounce       DebounceConfig `yaml:",inline"`
}

// RegisterFlagsWithPrefix registers the flags with a prefix.
func (cfg *MemoryMonitorConfig) RegisterFlagsWithPrefix(f *flag.FlagSet, prefix string) {
	f.Float64Var(&cfg.ThresholdRatio, prefix+"threshold-ratio", 0.8, "Ratio of the memory budget above which the host is throttled.")
	cfg.Debounce.registerFlagsWithPrefix(f, prefix, 3, 5)
}

// Validate returns an error if the configuration is invalid.
func (cfg *MemoryMonitorConfig) Validate() error {
	if cfg.ThresholdRatio <= 0 || cfg.ThresholdRatio > 1 {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "threshold ratio must be in the (0, 1] range, got %f", cfg.ThresholdRatio)
	}
	return cfg.Debounce.validate()
}

// ThreadPoolMonitorConfig is the thread pool starvation monitor configuration.
type ThreadPoolMonitorConfig struct {
	LatencyThreshold time.Duration  `yaml:"latency_threshold"`
	ProbeTimeout     time.Duration  `yaml:"probe_timeout"`
	Debounce         DebounceConfig `yaml:",inline"`
}

// RegisterFlagsWithPrefix registers the flags with a prefix.
func (cfg *ThreadPoolMonitorConfig) RegisterFlagsWithPrefix(f *flag.FlagSet, prefix string) {
	f.DurationVar(&cfg.LatencyThreshold, prefix+"latency-threshold", 100*time.Millisecond, "Scheduling latency above which the host is throttled.")
	f.DurationVar(&cfg.ProbeTimeout, prefix+"probe-timeout", time.Second, "Max time to wait for the scheduling probe.")
	cfg.Debounce.registerFlagsWithPrefix(f, prefix, 3, 5)
}

// Validate returns an error if the configuration is invalid.
func (cfg *ThreadPoolMonitorConfig) Validate() error {
	if cfg.LatencyThreshold <= 0 || cfg.ProbeTimeout <= 0 {
		return errors.Wrap(gcerrors.ErrInvalidConfig, "latency threshold and probe timeout must be positive")
	}
	return cfg.Debounce.validate()
}

// SnapshotConfig is the snapshot persistence configuration.
type SnapshotConfig struct {
	Backend          string        `yaml:"backend"`
	Interval         time.Duration `yaml:"interval"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	FlushTimeout     time.Duration `yaml:"flush_timeout"`

	Filesystem FilesystemConfig `yaml:"filesystem"`
	Bucket     BucketConfig     `yaml:"bucket"`
	MinIO      MinIOConfig      `yaml:"minio"`
	S3         S3Config         `yaml:"s3"`
	DynamoDB   DynamoDBConfig   `yaml:"dynamodb"`
}

// RegisterFlagsWithPrefix registers the flags with a prefix.
func (cfg *SnapshotConfig) RegisterFlagsWithPrefix(f *flag.FlagSet, prefix string) {
	f.StringVar(&cfg.Backend, prefix+"backend", BackendMemory, fmt.Sprintf("Snapshot storage backend. Supported values: %s.", strings.Join(supportedBackends, ", ")))
	f.DurationVar(&cfg.Interval, prefix+"interval", 10*time.Second, "Interval between snapshot writes.")
	f.DurationVar(&cfg.OperationTimeout, prefix+"operation-timeout", 5*time.Second, "Max duration of a single snapshot storage operation.")
	f.DurationVar(&cfg.FlushTimeout, prefix+"flush-timeout", 2*time.Second, "Max duration of the final snapshot write on shutdown.")
	f.StringVar(&cfg.Filesystem.Directory, prefix+"filesystem.dir", "./data", "Directory where the snapshots are stored.")
	f.StringVar(&cfg.Bucket.Directory, prefix+"bucket.dir", "./bucket", "Directory of the filesystem object storage bucket.")
	f.StringVar(&cfg.Bucket.Prefix, prefix+"bucket.prefix", "", "Prefix of the snapshot objects.")
	f.StringVar(&cfg.MinIO.Endpoint, prefix+"minio.endpoint", "", "MinIO endpoint (host:port).")
	f.StringVar(&cfg.MinIO.Bucket, prefix+"minio.bucket", "", "MinIO bucket.")
	f.StringVar(&cfg.MinIO.Prefix, prefix+"minio.prefix", "", "Prefix of the snapshot objects.")
	f.StringVar(&cfg.MinIO.AccessKeyID, prefix+"minio.access-key-id", "", "MinIO access key ID.")
	f.StringVar(&cfg.MinIO.SecretAccessKey, prefix+"minio.secret-access-key", "", "MinIO secret access key.")
	f.BoolVar(&cfg.MinIO.Insecure, prefix+"minio.insecure", false, "Use HTTP instead of HTTPS to connect to MinIO.")
	f.StringVar(&cfg.S3.Bucket, prefix+"s3.bucket", "", "S3 bucket.")
	f.StringVar(&cfg.S3.Prefix, prefix+"s3.prefix", "", "Prefix of the snapshot objects.")
	f.StringVar(&cfg.S3.Region, prefix+"s3.region", "", "AWS region, by default the one of the environment.")
	f.StringVar(&cfg.DynamoDB.Table, prefix+"dynamodb.table", "", "DynamoDB table.")
	f.StringVar(&cfg.DynamoDB.Region, prefix+"dynamodb.region", "", "AWS region, by default the one of the environment.")
}

// Validate returns an error if the configuration is invalid.
func (cfg *SnapshotConfig) Validate() error {
	if !slices.Contains(supportedBackends, cfg.Backend) {
		return errors.Wrapf(gcerrors.ErrInvalidConfig, "unsupported backend %q, supported values: %v", cfg.Backend, supportedBackends)
	}
	if cfg.Interval <= 0 || cfg.OperationTimeout <= 0 || cfg.FlushTimeout <= 0 {
		return errors.Wrap(gcerrors.ErrInvalidConfig, "interval and timeouts must be positive")
	}

	switch cfg.Backend {
	case BackendFilesystem:
		if cfg.Filesystem.Directory == "" {
			return errors.Wrap(gcerrors.ErrInvalidConfig, "filesystem directory is required")
		}
	case BackendBucket:
		if cfg.Bucket.Directory == "" {
			return errors.Wrap(gcerrors.ErrInvalidConfig, "bucket directory is required")
		}
	case BackendMinIO:
		if cfg.MinIO.Endpoint == "" || cfg.MinIO.Bucket == "" {
			return errors.Wrap(gcerrors.ErrInvalidConfig, "minio endpoint and bucket are required")
		}
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return errors.Wrap(gcerrors.ErrInvalidConfig, "s3 bucket is required")
		}
	case BackendDynamoDB:
		if cfg.DynamoDB.Table == "" {
			return errors.Wrap(gcerrors.ErrInvalidConfig, "dynamodb table is required")
		}
	}

	return nil
}

// FilesystemConfig is the filesystem backend configuration.
type FilesystemConfig struct {
	Directory string `yaml:"dir"`
}

// BucketConfig is the filesystem object storage bucket backend configuration.
type BucketConfig struct {
	Directory string `yaml:"dir"`
	Prefix    string `yaml:"prefix"`
}

// MinIOConfig is the MinIO backend configuration.
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Insecure        bool   `yaml:"insecure"`
}

// S3Config is the AWS S3 backend configuration.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// DynamoDBConfig is the AWS DynamoDB backend configuration.
type DynamoDBConfig struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
}
