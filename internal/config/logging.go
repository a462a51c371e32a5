package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConfigureLogging installs the global zerolog logger.
func ConfigureLogging(cfg LogConfig) error {
	return configureLogging(cfg, os.Stderr)
}

func configureLogging(cfg LogConfig, out io.Writer) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	switch cfg.Format {
	case "json", "":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}
