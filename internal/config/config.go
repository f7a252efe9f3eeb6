// Package config loads the engine configuration from a YAML file and
// SOUNDSPEED_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"soundspeed/internal/blob"
	"soundspeed/internal/core"
	"soundspeed/internal/observability"
	"soundspeed/internal/persistence"
	"soundspeed/internal/qc"
	"soundspeed/pkg/domain"
)

// Config is the complete engine configuration.
type Config struct {
	QC          domain.Thresholds `yaml:"qc"`
	Selection   SelectionConfig   `yaml:"selection"`
	Correction  CorrectionConfig  `yaml:"correction"`
	Store       StoreConfig       `yaml:"store"`
	Blob        BlobConfig        `yaml:"blob"`
	Climatology ClimatologyConfig `yaml:"climatology"`
	Workers     WorkersConfig     `yaml:"workers"`
	HTTP        HTTPConfig        `yaml:"http"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SelectionConfig holds the default selection window.
type SelectionConfig struct {
	MaxDistanceM     float64       `yaml:"max_distance_m"`
	MaxTimeOffset    time.Duration `yaml:"max_time_offset"`
	SourcePreference []string      `yaml:"source_preference"`
}

// CorrectionConfig configures the correction engine and its cache.
type CorrectionConfig struct {
	Scheme        string `yaml:"scheme"`
	CacheEntries  int    `yaml:"cache_entries"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// StoreConfig selects the profile store backend.
type StoreConfig struct {
	Driver      string  `yaml:"driver"`
	SQLitePath  string  `yaml:"sqlite_path"`
	PostgresDSN string  `yaml:"postgres_dsn"`
	CellSizeDeg float64 `yaml:"cell_size_deg"`
}

// BlobConfig selects the raw archive backend.
type BlobConfig struct {
	Driver string   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config locates the archive bucket. Credentials come from the AWS chain.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// ClimatologyConfig configures the fallback provider.
type ClimatologyConfig struct {
	Dir          string  `yaml:"dir"`
	MaxDistanceM float64 `yaml:"max_distance_m"`
	Synthetic    *bool   `yaml:"synthetic"`
}

// WorkersConfig sizes the batch pool.
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// MQTTConfig configures the live surface sensor feed.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// MaintenanceConfig schedules retention and cache housekeeping.
type MaintenanceConfig struct {
	Schedule          string `yaml:"schedule"`
	RetentionDays     int    `yaml:"retention_days"`
	JobRetentionHours int    `yaml:"job_retention_hours"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the stock configuration.
func Default() Config {
	cfg := Config{QC: domain.DefaultThresholds()}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	def := domain.DefaultThresholds()
	if c.QC.MinSpeed == 0 {
		c.QC.MinSpeed = def.MinSpeed
	}
	if c.QC.MaxSpeed == 0 {
		c.QC.MaxSpeed = def.MaxSpeed
	}
	if c.QC.SpikeThreshold == 0 {
		c.QC.SpikeThreshold = def.SpikeThreshold
	}
	if c.QC.MinSamples == 0 {
		c.QC.MinSamples = def.MinSamples
	}
	if c.QC.MinUsableDepth == 0 {
		c.QC.MinUsableDepth = def.MinUsableDepth
	}
	sel := core.DefaultSelection()
	if c.Selection.MaxDistanceM == 0 {
		c.Selection.MaxDistanceM = sel.MaxDistance
	}
	if c.Selection.MaxTimeOffset == 0 {
		c.Selection.MaxTimeOffset = sel.MaxTimeOffset
	}
	if c.Correction.Scheme == "" {
		c.Correction.Scheme = string(domain.SchemeConstantLayer)
	}
	if c.Correction.CacheEntries == 0 {
		c.Correction.CacheEntries = 4096
	}
	if c.Store.Driver == "" {
		c.Store.Driver = string(persistence.DriverSQLite)
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = string(blob.DriverFilesystem)
	}
	if c.Blob.FSRoot == "" {
		c.Blob.FSRoot = "./rawdata"
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 4
	}
	if c.Workers.QueueSize == 0 {
		c.Workers.QueueSize = 32
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "soundspeed/ssv/#"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "soundspeed"
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@daily"
	}
	if c.Maintenance.JobRetentionHours == 0 {
		c.Maintenance.JobRetentionHours = 24
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Load reads a YAML file, applies defaults for omitted values and then the
// environment overrides.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv returns the defaults with environment overrides applied.
func FromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overlays SOUNDSPEED_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, set func(string) error) {
		if v, ok := lookup(key); ok && v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	str("SOUNDSPEED_STORAGE_DRIVER", &c.Store.Driver)
	c.Store.Driver = strings.ToLower(c.Store.Driver)
	str("SOUNDSPEED_SQLITE_PATH", &c.Store.SQLitePath)
	str("SOUNDSPEED_POSTGRES_DSN", &c.Store.PostgresDSN)
	num("SOUNDSPEED_CELL_SIZE_DEG", func(v string) (err error) { c.Store.CellSizeDeg, err = cast.ToFloat64E(v); return })
	str("SOUNDSPEED_BLOB_DRIVER", &c.Blob.Driver)
	str("SOUNDSPEED_BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("SOUNDSPEED_BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("SOUNDSPEED_BLOB_S3_REGION", &c.Blob.S3.Region)
	str("SOUNDSPEED_BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	str("SOUNDSPEED_BLOB_S3_PREFIX", &c.Blob.S3.Prefix)
	num("SOUNDSPEED_BLOB_S3_PATH_STYLE", func(v string) (err error) { c.Blob.S3.PathStyle, err = cast.ToBoolE(v); return })
	str("SOUNDSPEED_SCHEME", &c.Correction.Scheme)
	num("SOUNDSPEED_CACHE_ENTRIES", func(v string) (err error) { c.Correction.CacheEntries, err = cast.ToIntE(v); return })
	str("SOUNDSPEED_REDIS_ADDR", &c.Correction.RedisAddr)
	str("SOUNDSPEED_REDIS_PASSWORD", &c.Correction.RedisPassword)
	num("SOUNDSPEED_MAX_DISTANCE_M", func(v string) (err error) { c.Selection.MaxDistanceM, err = cast.ToFloat64E(v); return })
	num("SOUNDSPEED_MAX_TIME_OFFSET", func(v string) (err error) { c.Selection.MaxTimeOffset, err = cast.ToDurationE(v); return })
	num("SOUNDSPEED_SPIKE_THRESHOLD", func(v string) (err error) { c.QC.SpikeThreshold, err = cast.ToFloat64E(v); return })
	num("SOUNDSPEED_CORRECT_SPIKES", func(v string) (err error) { c.QC.CorrectSpikes, err = cast.ToBoolE(v); return })
	num("SOUNDSPEED_WORKERS", func(v string) (err error) { c.Workers.Count, err = cast.ToIntE(v); return })
	str("SOUNDSPEED_CLIMATOLOGY_DIR", &c.Climatology.Dir)
	str("SOUNDSPEED_HTTP_ADDR", &c.HTTP.Addr)
	num("SOUNDSPEED_MQTT_ENABLED", func(v string) (err error) { c.MQTT.Enabled, err = cast.ToBoolE(v); return })
	str("SOUNDSPEED_MQTT_BROKER", &c.MQTT.Broker)
	str("SOUNDSPEED_MQTT_TOPIC", &c.MQTT.Topic)
	str("SOUNDSPEED_MAINTENANCE_SCHEDULE", &c.Maintenance.Schedule)
	num("SOUNDSPEED_RETENTION_DAYS", func(v string) (err error) { c.Maintenance.RetentionDays, err = cast.ToIntE(v); return })
	num("SOUNDSPEED_JOB_RETENTION_HOURS", func(v string) (err error) { c.Maintenance.JobRetentionHours, err = cast.ToIntE(v); return })
	str("SOUNDSPEED_LOG_LEVEL", &c.Logging.Level)
	str("SOUNDSPEED_LOG_FORMAT", &c.Logging.Format)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if err := qc.CheckThresholds(c.QC); err != nil {
		errs = append(errs, err)
	}
	if c.Selection.MaxDistanceM <= 0 {
		errs = append(errs, errors.New("selection.max_distance_m must be positive"))
	}
	if c.Selection.MaxTimeOffset <= 0 {
		errs = append(errs, errors.New("selection.max_time_offset must be positive"))
	}
	if _, err := c.SourcePreference(); err != nil {
		errs = append(errs, err)
	}
	if !domain.Scheme(c.Correction.Scheme).Valid() {
		errs = append(errs, fmt.Errorf("correction.scheme %q is not one of %s, %s", c.Correction.Scheme, domain.SchemeConstantLayer, domain.SchemeConstantGradient))
	}
	if c.Correction.CacheEntries <= 0 {
		errs = append(errs, errors.New("correction.cache_entries must be positive"))
	}
	switch persistence.Driver(c.Store.Driver) {
	case persistence.DriverMemory, persistence.DriverSQLite:
	case persistence.DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is unknown", c.Store.Driver))
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver %q is unknown", c.Blob.Driver))
	}
	if c.Workers.Count <= 0 || c.Workers.QueueSize <= 0 {
		errs = append(errs, errors.New("workers.count and workers.queue_size must be positive"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d is not 0, 1 or 2", c.MQTT.QoS))
	}
	if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("maintenance.schedule: %w", err))
	}
	if c.Maintenance.JobRetentionHours < 0 {
		errs = append(errs, fmt.Errorf("maintenance.job_retention_hours %d is negative", c.Maintenance.JobRetentionHours))
	}
	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SourcePreference parses the configured preference order. Empty means the
// built-in order.
func (c *Config) SourcePreference() ([]domain.SourceType, error) {
	out := make([]domain.SourceType, 0, len(c.Selection.SourcePreference))
	for _, name := range c.Selection.SourcePreference {
		s, err := domain.ParseSourceType(name)
		if err != nil {
			return nil, fmt.Errorf("selection.source_preference: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// SelectionDefaults converts the selection section for the service.
func (c *Config) SelectionDefaults() core.SelectionDefaults {
	pref, _ := c.SourcePreference()
	return core.SelectionDefaults{
		MaxDistance:   c.Selection.MaxDistanceM,
		MaxTimeOffset: c.Selection.MaxTimeOffset,
		Preference:    pref,
	}
}

// PersistenceConfig converts the store section for the persistence factory.
func (c *Config) PersistenceConfig() persistence.Config {
	return persistence.Config{
		Driver:      persistence.Driver(c.Store.Driver),
		SQLitePath:  c.Store.SQLitePath,
		PostgresDSN: c.Store.PostgresDSN,
		CellSizeDeg: c.Store.CellSizeDeg,
	}
}

// BlobStoreConfig converts the blob section for the archive factory.
func (c *Config) BlobStoreConfig() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3.Bucket,
			Region:    c.Blob.S3.Region,
			Endpoint:  c.Blob.S3.Endpoint,
			Prefix:    c.Blob.S3.Prefix,
			PathStyle: c.Blob.S3.PathStyle,
		},
	}
}
