// Package zaplog builds the zap.Logger shared by every core component.
package zaplog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DebugFlags mirrors the AGGR_FIXGAPS_DEBUG* environment variables,
// injected explicitly instead of read ad-hoc from os.Getenv at call sites.
type DebugFlags struct {
	General  bool
	HTTP     bool
	Adapters bool
}

// FlagsFromEnv reads the recognized debug environment variables once.
func FlagsFromEnv() DebugFlags {
	return DebugFlags{
		General:  os.Getenv("AGGR_FIXGAPS_DEBUG") != "",
		HTTP:     os.Getenv("AGGR_FIXGAPS_DEBUG_HTTP") != "",
		Adapters: os.Getenv("AGGR_FIXGAPS_DEBUG_ADAPTERS") != "",
	}
}

// New builds a production zap.Logger, bumped to Debug level when any debug
// flag is set, matching cmd/main.go's setupLogger.
func New(flags DebugFlags) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	level := zapcore.InfoLevel
	if flags.General || flags.HTTP || flags.Adapters {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}
