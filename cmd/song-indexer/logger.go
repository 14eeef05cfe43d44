package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/koliambus/catalog-discovery/config"
)

func newLogger(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	levelStr := strings.ToLower(strings.TrimSpace(cfg.Level))
	if levelStr == "" {
		levelStr = "info"
	}
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", cfg.Level)
	}

	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "song-indexer").Logger(), nil
}
