// Command otto-bgp drives BGP prefix-list policy automation for a fleet of
// Juniper routers.
package main

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/networksandchill/otto-bgp/internal/pipeline"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// Exit codes, stable for scripting.
const (
	exitOK        = 0
	exitError     = 1
	exitBlocked   = 2
	exitApply     = 3
	exitPreflight = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCmd()
	err := root.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, pipeline.ErrBlocked):
		return exitBlocked
	case errors.Is(err, pipeline.ErrApplyFailed):
		return exitApply
	case errors.Is(err, pipeline.ErrPreflightFailed), errors.Is(err, errPreflight):
		return exitPreflight
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
}

// errPreflight marks rpki-check failures for exit-code mapping.
var errPreflight = errors.New("rpki preflight")

// preflightError wraps an rpki.Preflight failure so run() maps it to exit 4.
func preflightError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", errPreflight, err)
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
