// Package logger provides the process-wide structured logger.
//
// Until Init is called Get returns a logger that discards everything, so
// packages can log unconditionally and tests stay quiet.
package logger

import (
	"fmt"
	"io"
	"sync"

	"github.com/Ning0612/Incsync/internal/config"
)

var (
	mu      sync.RWMutex
	current Logger
)

// Options mirrors the --log-* command line flags
type Options struct {
	Level   string
	Format  string
	File    string
	Verbose bool
}

// Config turns flag values into a Config logging to console
func (o Options) Config(console io.Writer) (Config, error) {
	level, err := ParseLevel(o.Level)
	if err != nil {
		return Config{}, err
	}
	if o.Verbose {
		level = LevelDebug
	}

	format, err := ParseFormat(o.Format)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{Level: level, Format: format, Console: console}
	if o.File != "" {
		cfg.File = DefaultFileConfig(config.ExpandPath(o.File))
	}
	return cfg, nil
}

// Init installs the global logger. Call Shutdown before initialising again.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	if current != nil {
		return fmt.Errorf("logger already initialized")
	}

	l, err := New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	current = l
	return nil
}

// Get returns the global logger
func Get() Logger {
	mu.RLock()
	defer mu.RUnlock()

	if current == nil {
		return &NullLogger{}
	}
	return current
}

// With returns the global logger carrying args
func With(args ...any) Logger {
	return Get().With(args...)
}

// Shutdown closes the global logger. Safe to call more than once.
func Shutdown() error {
	mu.Lock()
	l := current
	current = nil
	mu.Unlock()

	if l == nil {
		return nil
	}
	return l.Shutdown()
}

// NullLogger discards everything
type NullLogger struct{}

func (n *NullLogger) Debug(msg string, args ...any) {}
func (n *NullLogger) Info(msg string, args ...any)  {}
func (n *NullLogger) Warn(msg string, args ...any)  {}
func (n *NullLogger) Error(msg string, args ...any) {}
func (n *NullLogger) With(args ...any) Logger       { return n }
func (n *NullLogger) Shutdown() error               { return nil }
