// Package logging builds the zap logger used by every command.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the outputs of New.
type Options struct {
	// Path of the JSON log file. Empty disables file output.
	Path string
	// Stderr enables the console core. The TUI turns it off because it owns
	// the terminal.
	Stderr bool
	Debug  bool
}

// New creates a logger that tees JSON to the log file and console output to
// stderr. Profile name and PID are included as initial fields.
func New(opts Options, profile string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), level))
	}
	if opts.Stderr {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stderr), level))
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}

	return zap.New(zapcore.NewTee(cores...),
		zap.Fields(
			zap.String("profile", profile),
			zap.Int("pid", os.Getpid()),
		),
	), nil
}
