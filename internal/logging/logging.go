// Package logging builds the zap logger shared by every component.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options select where logs go.
type Options struct {
	Level zapcore.Level
	// File, when set, receives JSON logs rotated by size.
	File string
	// MaxSizeMB, MaxBackups and MaxAgeDays configure rotation of File.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Quiet disables the stderr sink. Used by commands whose stdout and
	// stderr are read by scripts.
	Quiet bool
}

// New returns a logger and the level controlling it, so a settings reload
// can change verbosity without rebuilding the logger.
//
// Stderr gets a colored console encoder when it is a terminal and JSON
// otherwise.
func New(opts Options) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(opts.Level)
	var cores []zapcore.Core

	if !opts.Quiet {
		cores = append(cores, zapcore.NewCore(stderrEncoder(), zapcore.Lock(os.Stderr), level))
	}
	if opts.File != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(rotator(opts)),
			level,
		))
	}
	if len(cores) == 0 {
		return zap.NewNop(), level
	}
	return zap.New(zapcore.NewTee(cores...)), level
}

func stderrEncoder() zapcore.Encoder {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
}

func rotator(opts Options) *lumberjack.Logger {
	l := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	if l.MaxSize == 0 {
		l.MaxSize = 10
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = 3
	}
	return l
}
