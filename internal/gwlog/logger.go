// Package gwlog provides the gateway's process-wide structured logger. It
// mirrors the singleton-function style of the teacher's pkg/logger package
// (Debug/Info/Warn/Error plus f/w variants) but is backed directly by
// go.uber.org/zap instead of a private internal logging module.
package gwlog

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	Initialize()
}

// Initialize (re)builds the singleton logger from the current environment.
// DEBUG=1 (or "true") switches to a development encoder with debug level;
// otherwise a production JSON encoder at info level is used.
func Initialize() {
	var cfg zap.Config
	if debugEnabled() {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than panicking at startup.
		l = zap.NewNop()
	}
	singleton.Store(l.Sugar())
}

func debugEnabled() bool {
	v := os.Getenv("DEBUG")
	return v == "1" || v == "true"
}

func log() *zap.SugaredLogger {
	l := singleton.Load()
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

// Debug logs at debug level.
func Debug(args ...any) { log().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { log().Debugf(format, args...) }

// Debugw logs a message with structured key/value pairs at debug level.
func Debugw(msg string, kv ...any) { log().Debugw(msg, kv...) }

// Info logs at info level.
func Info(args ...any) { log().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { log().Infof(format, args...) }

// Infow logs a message with structured key/value pairs at info level.
func Infow(msg string, kv ...any) { log().Infow(msg, kv...) }

// Warn logs at warn level.
func Warn(args ...any) { log().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { log().Warnf(format, args...) }

// Warnw logs a message with structured key/value pairs at warn level.
func Warnw(msg string, kv ...any) { log().Warnw(msg, kv...) }

// Error logs at error level.
func Error(args ...any) { log().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { log().Errorf(format, args...) }

// Errorw logs a message with structured key/value pairs at error level.
func Errorw(msg string, kv ...any) { log().Errorw(msg, kv...) }
