// Package logger provides a process-wide structured logger. Components call
// the package-level functions directly rather than threading a *Logger
// through every constructor; Init installs the concrete implementation at
// startup and Get retrieves it (falling back to a sane default if Init was
// never called, e.g. in unit tests).
package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

var current atomic.Pointer[zap.SugaredLogger]

// Init builds and installs the process-wide logger. When unstructured is
// true (set via the UNSTRUCTURED_LOGS environment variable in production
// deployments), logs are written with a human-readable console encoder
// instead of JSON.
func Init(unstructured bool) error {
	var cfg zap.Config
	if unstructured {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	current.Store(z.Sugar())
	return nil
}

// UnstructuredLogsWithEnv reports whether the UNSTRUCTURED_LOGS environment
// variable requests console-style (non-JSON) log output.
func UnstructuredLogsWithEnv() bool {
	v := os.Getenv("UNSTRUCTURED_LOGS")
	return v == "1" || v == "true" || v == "TRUE"
}

// Get returns the installed logger, initializing a development-mode default
// if Init has not yet been called.
func Get() *zap.SugaredLogger {
	if l := current.Load(); l != nil {
		return l
	}
	z, _ := zap.NewDevelopment()
	s := z.Sugar()
	current.CompareAndSwap(nil, s)
	return current.Load()
}

func Debug(args ...any)                  { Get().Debug(args...) }
func Debugf(template string, args ...any) { Get().Debugf(template, args...) }
func Debugw(msg string, kv ...any)       { Get().Debugw(msg, kv...) }

func Info(args ...any)                  { Get().Info(args...) }
func Infof(template string, args ...any) { Get().Infof(template, args...) }
func Infow(msg string, kv ...any)       { Get().Infow(msg, kv...) }

func Warn(args ...any)                  { Get().Warn(args...) }
func Warnf(template string, args ...any) { Get().Warnf(template, args...) }
func Warnw(msg string, kv ...any)       { Get().Warnw(msg, kv...) }

func Error(args ...any)                  { Get().Error(args...) }
func Errorf(template string, args ...any) { Get().Errorf(template, args...) }
func Errorw(msg string, kv ...any)       { Get().Errorw(msg, kv...) }

func DPanic(args ...any)                  { Get().DPanic(args...) }
func DPanicf(template string, args ...any) { Get().DPanicf(template, args...) }
func DPanicw(msg string, kv ...any)       { Get().DPanicw(msg, kv...) }

func Panic(args ...any)                  { Get().Panic(args...) }
func Panicf(template string, args ...any) { Get().Panicf(template, args...) }
func Panicw(msg string, kv ...any)       { Get().Panicw(msg, kv...) }

func Fatal(args ...any)                  { Get().Fatal(args...) }
func Fatalf(template string, args ...any) { Get().Fatalf(template, args...) }
func Fatalw(msg string, kv ...any)       { Get().Fatalw(msg, kv...) }

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	if l := current.Load(); l != nil {
		return l.Sync()
	}
	return nil
}
