// Package logging builds the structured event sink the engine emits into.
// Formatting and rotation belong to the collaborator owning the output;
// a reopen request is forwarded there untouched.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the sink's level, encoding, and output.
type Config struct {
	Level       string // debug, info, warn, error
	Development bool

	// File redirects output to a size-rotated file instead of stderr. A
	// reopen request then rotates the file in place.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New builds a JSON zap logger. With a file configured the sink rotates on
// size and on reopen requests; otherwise it writes to stderr.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		sink = zapcore.AddSync(lj)
		SetReopen(func() { _ = lj.Rotate() })
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		sink,
		level,
	)
	return zap.New(core), nil
}

// Nop returns a logger that discards everything; engine components accept
// it as the default so tests stay quiet.
func Nop() *zap.Logger { return zap.NewNop() }

// ReopenFunc is installed by the process-lifecycle collaborator to reopen
// log outputs. The engine only forwards the request.
type ReopenFunc func()

var (
	reopenMu sync.RWMutex
	reopen   ReopenFunc
)

// SetReopen installs the collaborator's reopen hook.
func SetReopen(fn ReopenFunc) {
	reopenMu.Lock()
	reopen = fn
	reopenMu.Unlock()
}

// Reopen forwards a log-reopen intent to the collaborator, if one is
// installed. The engine itself does not interpret the signal.
func Reopen() {
	reopenMu.RLock()
	fn := reopen
	reopenMu.RUnlock()
	if fn != nil {
		fn()
	}
}
