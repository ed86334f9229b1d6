// Package logger builds the zap logger the engine and its commands share.
// One call at startup; components derive scoped loggers with Named.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding, and destination of the process log.
type Config struct {
	// Level is the minimum level that gets emitted: debug, info, warn, error.
	Level string `yaml:"level" ini:"level"`
	// Format is "console" for human-readable output, "json" otherwise.
	Format string `yaml:"format" ini:"format"`
	// OutputFile is "stdout", "stderr", or a path appended to.
	OutputFile string `yaml:"output_file" ini:"output_file"`
}

// New builds the root logger: ISO8601 timestamps, capitalized levels,
// caller sites, and a service field so mixed log streams stay attributable.
// An unparseable level falls back to info rather than failing the boot.
func New(config Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(strings.ToLower(config.Level)); err == nil {
		level = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	var enc zapcore.Encoder
	if strings.EqualFold(config.Format, "console") {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(enc, sink, level)
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", "granite"))), nil
}

// openSink resolves the log destination. Files open append-only so a
// restart extends the previous log instead of truncating it.
func openSink(dest string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(dest) {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	f, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", dest, err)
	}
	return zapcore.AddSync(f), nil
}
