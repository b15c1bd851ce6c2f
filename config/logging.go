package config

import (
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
)

var formatters = map[string]log.Formatter{
	"text":   log.TextFormatter,
	"json":   log.JSONFormatter,
	"logfmt": log.LogfmtFormatter,
}

type Logging struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level"`
	// Format is one of text, json, logfmt
	Format string `toml:"format"`
	Prefix string `toml:"prefix"`
}

func (l Logging) Validate() error {
	_, err := log.ParseLevel(l.Level)
	if err != nil {
		return errors.Wrapf(err, "invalid log.level %q", l.Level)
	}

	_, ok := formatters[l.Format]
	if !ok {
		return errors.Newf("invalid log.format %q: expected text, json or logfmt", l.Format)
	}

	return nil
}

// NewLogger builds an slog.Logger that writes to w through a charm logger
func (l Logging) NewLogger(w io.Writer) (*slog.Logger, error) {
	err := l.Validate()
	if err != nil {
		return nil, err
	}

	level, _ := log.ParseLevel(l.Level)
	handler := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          l.Prefix,
		Level:           level,
		Formatter:       formatters[l.Format],
	})

	return slog.New(handler), nil
}
