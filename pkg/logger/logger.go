// Package logger wraps log/slog with a process-wide application logger and a
// separate, rotated audit channel for lifecycle and compliance records.
package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// DefaultService tags every record when Config.Service is empty.
const DefaultService = "treasuryd"

// Config describes how the application logger should behave.
type Config struct {
	Service     string
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the audit channel. When disabled, audit records go to
// the application logger with channel=audit.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type state struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.Mutex
	current *state
)

// Init configures the global loggers. Only the first successful call takes
// effect; later calls return an error and leave the loggers untouched.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return errors.New("logger already initialised")
	}
	st, err := build(cfg)
	if err != nil {
		for _, c := range st.closers {
			_ = c.Close()
		}
		return err
	}
	current = st
	return nil
}

func build(cfg Config) (*state, error) {
	st := &state{}
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = DefaultService
	}

	writer, err := st.outputs(cfg.OutputPaths)
	if err != nil {
		return st, err
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	var handler slog.Handler = slog.NewJSONHandler(writer, opts)
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(writer, opts)
	}
	st.app = slog.New(handler).With(slog.String("service", service))

	if !cfg.Audit.Enabled {
		st.audit = st.app.With(slog.String("channel", "audit"))
		return st, nil
	}
	if cfg.Audit.Path == "" {
		return st, errors.New("audit log path cannot be empty when enabled")
	}
	rotated, err := newRotatingWriter(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
	if err != nil {
		return st, err
	}
	st.closers = append(st.closers, rotated)
	st.audit = slog.New(slog.NewJSONHandler(rotated, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With(slog.String("service", service), slog.String("channel", "audit"))
	return st, nil
}

// outputs resolves stdout/stderr aliases and opens rotated files for the rest.
func (st *state) outputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(strings.TrimSpace(path)) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			rotated, err := newRotatingWriter(path, 0, 0, 0)
			if err != nil {
				return nil, err
			}
			st.closers = append(st.closers, rotated)
			writers = append(writers, rotated)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loaded() *state {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		st, err := build(Config{})
		if err != nil {
			st = &state{app: slog.Default()}
			st.audit = st.app
		}
		current = st
	}
	return current
}

// L returns the application logger, initialising defaults on first use.
func L() *slog.Logger {
	return loaded().app
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	return loaded().audit
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// AgentAudit returns the audit logger scoped to one agent.
func AgentAudit(agentID string) *slog.Logger {
	return Audit().With(slog.String("agent_id", agentID))
}

// Sync closes file outputs opened by Init.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	var err error
	for _, c := range current.closers {
		err = errors.Join(err, c.Close())
	}
	current.closers = nil
	return err
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
