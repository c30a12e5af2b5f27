// Package config loads the YAML configuration of the orchestrator and node
// processes. Values are layered: built-in defaults, then the file (if any),
// then FABRIC_* environment variables. Command-line flags are applied on top
// by the binaries.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/fabric/internal/bus"
)

// Environment variables understood by both processes.
const (
	EnvBusKind   = "FABRIC_BUS_KIND"
	EnvBusURL    = "FABRIC_BUS_URL"
	EnvLogLevel  = "FABRIC_LOG_LEVEL"
	EnvLogFormat = "FABRIC_LOG_FORMAT"
)

// Log selects the slog handler.
type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DefaultLog logs at info level in text form.
func DefaultLog() Log {
	return Log{Level: "info", Format: "text"}
}

func (l Log) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}

// Validate checks level and format.
func (l Log) Validate() error {
	if _, err := l.level(); err != nil {
		return err
	}
	switch l.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("config: log format must be text or json, got %q", l.Format)
	}
}

// NewLogger builds a logger writing to w.
func (l Log) NewLogger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// readYAML decodes path into out; an empty path is a no-op. Unknown keys are
// rejected so typos surface early.
func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func applyCommonEnv(b *bus.Config, l *Log) {
	envString(EnvBusKind, &b.Kind)
	envString(EnvBusURL, &b.URL)
	envString(EnvLogLevel, &l.Level)
	envString(EnvLogFormat, &l.Format)
}
