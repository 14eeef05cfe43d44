// Package config loads the song indexer configuration from a YAML file and
// SONG_INDEXER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SONG_INDEXER_"

type QueueConfig struct {
	Name                     string `yaml:"name"`
	URL                      string `yaml:"url"`
	Region                   string `yaml:"region"`
	Endpoint                 string `yaml:"endpoint"` // custom SQS/S3 endpoint, e.g. localstack
	WaitTimeSeconds          int32  `yaml:"wait_time_seconds"`
	VisibilityTimeoutSeconds int32  `yaml:"visibility_timeout_seconds"`
	MaxMessages              int32  `yaml:"max_messages"`
}

type IndexConfig struct {
	Addresses []string      `yaml:"addresses"`
	Name      string        `yaml:"name"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Refresh   string        `yaml:"refresh"` // "", "true", "false" or "wait_for"
	Timeout   time.Duration `yaml:"timeout"` // client-side deadline per bulk request

	CircuitBreaker bool `yaml:"circuit_breaker"`
}

type WorkerConfig struct {
	Workers         int           `yaml:"workers"`
	Cycles          int           `yaml:"cycles"` // 0 runs until stopped
	WorkTimeout     time.Duration `yaml:"work_timeout"`
	ErrorBackoff    time.Duration `yaml:"error_backoff"`
	LeaseRenewEvery time.Duration `yaml:"lease_renew_every"` // 0 disables lease renewal
	DuplicatePolicy string        `yaml:"duplicate_policy"`  // retain|acknowledge
	AckRetries      int           `yaml:"ack_retries"`
}

type DeadLetterConfig struct {
	MaxReceiveCount int    `yaml:"max_receive_count"` // 0 disables routing
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Compression     string `yaml:"compression"` // none|snappy|gzip|zstd
}

// Enabled reports whether poison messages should be archived.
func (c DeadLetterConfig) Enabled() bool {
	return c.MaxReceiveCount > 0 && c.Bucket != ""
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the /metrics listener
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json|console
}

type Config struct {
	Queue      QueueConfig      `yaml:"queue"`
	Index      IndexConfig      `yaml:"index"`
	Worker     WorkerConfig     `yaml:"worker"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			Name:                     "published_songs_queue",
			WaitTimeSeconds:          10,
			VisibilityTimeoutSeconds: 40,
			MaxMessages:              10,
		},
		Index: IndexConfig{
			Addresses: []string{"http://localhost:9200"},
			Name:      "published-songs",
			Timeout:   30 * time.Second,
		},
		Worker: WorkerConfig{
			Workers:         10,
			WorkTimeout:     30 * time.Second,
			ErrorBackoff:    250 * time.Millisecond,
			DuplicatePolicy: "retain",
		},
		DeadLetter: DeadLetterConfig{
			Prefix:      "dead-letter/",
			Compression: "snappy",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("cannot read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("cannot parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SONG_INDEXER_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	int32v := func(name string, dst *int32) {
		n := int(*dst)
		integer(name, &n)
		*dst = int32(n)
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("QUEUE_NAME", &c.Queue.Name)
	str("QUEUE_URL", &c.Queue.URL)
	str("QUEUE_REGION", &c.Queue.Region)
	str("QUEUE_ENDPOINT", &c.Queue.Endpoint)
	int32v("QUEUE_WAIT_TIME_SECONDS", &c.Queue.WaitTimeSeconds)
	int32v("QUEUE_VISIBILITY_TIMEOUT_SECONDS", &c.Queue.VisibilityTimeoutSeconds)
	int32v("QUEUE_MAX_MESSAGES", &c.Queue.MaxMessages)

	if v, ok := lookup(EnvPrefix + "INDEX_ADDRESSES"); ok {
		c.Index.Addresses = splitList(v)
	}
	str("INDEX_NAME", &c.Index.Name)
	str("INDEX_USERNAME", &c.Index.Username)
	str("INDEX_PASSWORD", &c.Index.Password)
	str("INDEX_REFRESH", &c.Index.Refresh)
	duration("INDEX_TIMEOUT", &c.Index.Timeout)
	boolean("INDEX_CIRCUIT_BREAKER", &c.Index.CircuitBreaker)

	integer("WORKERS", &c.Worker.Workers)
	integer("CYCLES", &c.Worker.Cycles)
	duration("WORK_TIMEOUT", &c.Worker.WorkTimeout)
	duration("ERROR_BACKOFF", &c.Worker.ErrorBackoff)
	duration("LEASE_RENEW_EVERY", &c.Worker.LeaseRenewEvery)
	str("DUPLICATE_POLICY", &c.Worker.DuplicatePolicy)
	integer("ACK_RETRIES", &c.Worker.AckRetries)

	integer("DEAD_LETTER_MAX_RECEIVE_COUNT", &c.DeadLetter.MaxReceiveCount)
	str("DEAD_LETTER_BUCKET", &c.DeadLetter.Bucket)
	str("DEAD_LETTER_PREFIX", &c.DeadLetter.Prefix)
	str("DEAD_LETTER_COMPRESSION", &c.DeadLetter.Compression)

	str("METRICS_ADDR", &c.Metrics.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error

	if err := c.validateQueue(); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	if err := c.validateIndex(); err != nil {
		errs = append(errs, fmt.Errorf("index: %w", err))
	}
	if err := c.validateWorker(); err != nil {
		errs = append(errs, fmt.Errorf("worker: %w", err))
	}
	if err := c.validateDeadLetter(); err != nil {
		errs = append(errs, fmt.Errorf("dead_letter: %w", err))
	}
	if err := c.validateLog(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	return errors.Join(errs...)
}

func (c Config) validateQueue() error {
	var errs []error
	q := c.Queue

	if q.Name == "" && q.URL == "" {
		errs = append(errs, errors.New("name or url is required"))
	}
	if q.WaitTimeSeconds < 0 || q.WaitTimeSeconds > 20 {
		errs = append(errs, fmt.Errorf("wait_time_seconds %d is out of range (0..20)", q.WaitTimeSeconds))
	}
	if q.MaxMessages < 1 || q.MaxMessages > 10 {
		errs = append(errs, fmt.Errorf("max_messages %d is out of range (1..10)", q.MaxMessages))
	}
	// A message must stay hidden for longer than a poll can take, or it is
	// handed to another worker while still in flight.
	if q.VisibilityTimeoutSeconds <= q.WaitTimeSeconds {
		errs = append(errs, fmt.Errorf("visibility_timeout_seconds %d must exceed wait_time_seconds %d",
			q.VisibilityTimeoutSeconds, q.WaitTimeSeconds))
	}
	if q.VisibilityTimeoutSeconds > 43200 {
		errs = append(errs, fmt.Errorf("visibility_timeout_seconds %d is out of range (..43200)", q.VisibilityTimeoutSeconds))
	}

	return errors.Join(errs...)
}

func (c Config) validateIndex() error {
	var errs []error

	if len(c.Index.Addresses) == 0 {
		errs = append(errs, errors.New("at least one address is required"))
	}
	if c.Index.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch c.Index.Refresh {
	case "", "true", "false", "wait_for":
	default:
		errs = append(errs, fmt.Errorf("refresh %q must be one of true, false, wait_for", c.Index.Refresh))
	}
	if c.Index.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout %s must be >= 0", c.Index.Timeout))
	}

	return errors.Join(errs...)
}

func (c Config) validateWorker() error {
	var errs []error
	w := c.Worker

	if w.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers %d must be >= 1", w.Workers))
	}
	if w.Cycles < 0 {
		errs = append(errs, fmt.Errorf("cycles %d must be >= 0", w.Cycles))
	}
	if w.WorkTimeout <= 0 {
		errs = append(errs, fmt.Errorf("work_timeout %s must be > 0", w.WorkTimeout))
	}
	if vis := time.Duration(c.Queue.VisibilityTimeoutSeconds) * time.Second; w.LeaseRenewEvery == 0 && w.WorkTimeout >= vis {
		errs = append(errs, fmt.Errorf("work_timeout %s must be below the visibility timeout %s unless leases are renewed", w.WorkTimeout, vis))
	}
	if w.ErrorBackoff < 0 {
		errs = append(errs, fmt.Errorf("error_backoff %s must be >= 0", w.ErrorBackoff))
	}
	if w.LeaseRenewEvery < 0 {
		errs = append(errs, fmt.Errorf("lease_renew_every %s must be >= 0", w.LeaseRenewEvery))
	}
	switch strings.ToLower(w.DuplicatePolicy) {
	case "", "retain", "acknowledge", "ack":
	default:
		errs = append(errs, fmt.Errorf("duplicate_policy %q must be retain or acknowledge", w.DuplicatePolicy))
	}
	if w.AckRetries < 0 {
		errs = append(errs, fmt.Errorf("ack_retries %d must be >= 0", w.AckRetries))
	}

	return errors.Join(errs...)
}

func (c Config) validateDeadLetter() error {
	var errs []error
	d := c.DeadLetter

	if d.MaxReceiveCount < 0 {
		errs = append(errs, fmt.Errorf("max_receive_count %d must be >= 0", d.MaxReceiveCount))
	}
	if d.MaxReceiveCount > 0 && d.Bucket == "" {
		errs = append(errs, errors.New("bucket is required when max_receive_count is set"))
	}
	switch d.Compression {
	case "", "none", "snappy", "gzip", "zstd":
	default:
		errs = append(errs, fmt.Errorf("compression %q must be one of none, snappy, gzip, zstd", d.Compression))
	}

	return errors.Join(errs...)
}

func (c Config) validateLog() error {
	var errs []error
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("format %q must be json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}
