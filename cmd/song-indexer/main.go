package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/koliambus/catalog-discovery/config"
	"github.com/koliambus/catalog-discovery/deadletter"
	"github.com/koliambus/catalog-discovery/encoder"
	"github.com/koliambus/catalog-discovery/index"
	"github.com/koliambus/catalog-discovery/ingestor"
	"github.com/koliambus/catalog-discovery/metrics"
	"github.com/koliambus/catalog-discovery/sink"
	"github.com/koliambus/catalog-discovery/source"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "song-indexer: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "song-indexer",
		Usage: "Index published songs from SQS into Elasticsearch",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				EnvVars: []string{config.EnvPrefix + "CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log output format (json, console)",
			},
			&cli.StringFlag{
				Name:  "queue-url",
				Usage: "SQS queue URL; takes precedence over the queue name",
			},
			&cli.StringFlag{
				Name:  "queue-name",
				Usage: "SQS queue name, resolved to a URL at startup",
			},
			&cli.StringSliceFlag{
				Name:  "index-addr",
				Usage: "Elasticsearch address (repeatable)",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of concurrent poll cycles",
			},
			&cli.IntFlag{
				Name:  "cycles",
				Usage: "Run this many cycles and exit (0 runs until stopped)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Listen address for /metrics (empty disables it)",
			},
		},
		Action: run,
	}
}

// loadConfig reads the config file and environment, then applies the flags
// that were set explicitly.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}

	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	if c.IsSet("queue-url") {
		cfg.Queue.URL = c.String("queue-url")
	}
	if c.IsSet("queue-name") {
		cfg.Queue.Name = c.String("queue-name")
	}
	if c.IsSet("index-addr") {
		cfg.Index.Addresses = c.StringSlice("index-addr")
	}
	if c.IsSet("workers") {
		cfg.Worker.Workers = c.Int("workers")
	}
	if c.IsSet("cycles") {
		cfg.Worker.Cycles = c.Int("cycles")
	}
	if c.IsSet("metrics-addr") {
		cfg.Metrics.Addr = c.String("metrics-addr")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics("song_indexer")

	pool, err := buildPool(ctx, cfg, m, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		// A finished pool (cycle limit reached) also stops the metrics server.
		defer cancel()
		return pool.Run(runCtx)
	})

	if cfg.Metrics.Addr != "" {
		srv := newMetricsServer(cfg.Metrics.Addr, m)
		g.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("song indexer stopped with error")
		return err
	}
	logger.Info().Msg("song indexer stopped")
	return nil
}

func newMetricsServer(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func buildPool(ctx context.Context, cfg config.Config, rec ingestor.Recorder, logger zerolog.Logger) (*ingestor.Pool, error) {
	var awsOpts []func(*awsconfig.LoadOptions) error
	if cfg.Queue.Region != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(cfg.Queue.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Queue.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Queue.Endpoint)
		}
	})

	queueURL := cfg.Queue.URL
	if queueURL == "" {
		queueURL, err = source.ResolveQueueURL(ctx, sqsClient, cfg.Queue.Name)
		if err != nil {
			return nil, err
		}
	}

	src, err := source.NewWithConfig(sqsClient, queueURL, source.SourceSQSConfig{
		WaitTimeSeconds:          cfg.Queue.WaitTimeSeconds,
		VisibilityTimeoutSeconds: cfg.Queue.VisibilityTimeoutSeconds,
		MaxMessages:              cfg.Queue.MaxMessages,
	})
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Index.Addresses,
		Username:  cfg.Index.Username,
		Password:  cfg.Index.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	writerOpts := []index.Option{
		index.WithRefresh(cfg.Index.Refresh),
		index.WithTimeout(cfg.Index.Timeout),
		index.WithLogger(logger),
	}
	if cfg.Index.CircuitBreaker {
		writerOpts = append(writerOpts, index.WithCircuitBreaker(index.DefaultBreakerSettings()))
	}
	writer := index.NewElasticsearchWriter(es, cfg.Index.Name, writerOpts...)

	dup, err := ingestor.ParseDuplicatePolicy(cfg.Worker.DuplicatePolicy)
	if err != nil {
		return nil, err
	}

	opts := []ingestor.ReconcilerOption{
		ingestor.WithDuplicatePolicy(dup),
		ingestor.WithWorkTimeout(cfg.Worker.WorkTimeout),
		ingestor.WithRecorder(rec),
		ingestor.WithLogger(logger),
	}
	if cfg.Worker.LeaseRenewEvery > 0 {
		opts = append(opts, ingestor.WithLease(cfg.Queue.VisibilityTimeoutSeconds, cfg.Worker.LeaseRenewEvery))
	}
	if cfg.Worker.AckRetries > 0 {
		opts = append(opts, ingestor.WithAckRetryPolicy(ingestor.SimpleRetry{
			Attempts:  cfg.Worker.AckRetries + 1,
			BaseDelay: 100 * time.Millisecond,
			MaxDelay:  2 * time.Second,
			Jitter:    true,
		}))
	}

	if cfg.DeadLetter.Enabled() {
		archiver, err := buildArchiver(awsCfg, cfg, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ingestor.WithDeadLetter(archiver, cfg.DeadLetter.MaxReceiveCount))
	}

	reconciler, err := ingestor.NewReconciler(src, writer, opts...)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("queue_url", src.QueueURL()).
		Str("index", writer.Index()).
		Str("duplicate_policy", dup.String()).
		Bool("dead_letter", cfg.DeadLetter.Enabled()).
		Msg("song indexer configured")

	return ingestor.NewPool(reconciler, ingestor.PoolConfig{
		Workers:      cfg.Worker.Workers,
		Cycles:       cfg.Worker.Cycles,
		ErrorBackoff: cfg.Worker.ErrorBackoff,
	}, logger)
}

func buildArchiver(awsCfg aws.Config, cfg config.Config, logger zerolog.Logger) (*deadletter.Archiver, error) {
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Queue.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Queue.Endpoint)
			o.UsePathStyle = true
		}
	})

	compression := encoder.ParquetCompression(cfg.DeadLetter.Compression)
	if compression == "none" {
		compression = encoder.ParquetCompressionNone
	}
	enc, err := encoder.NewParquetEncoder[deadletter.Record](compression)
	if err != nil {
		return nil, fmt.Errorf("create dead letter encoder: %w", err)
	}

	sk := sink.NewSinkS3(s3Client, cfg.DeadLetter.Bucket, cfg.DeadLetter.Prefix)
	return deadletter.NewArchiver(sk, enc, logger)
}
