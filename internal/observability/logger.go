// Package observability builds loggers of launch commands.
package observability

import (
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewCLILogger builds a console logger writing to w.
//
// level is one of debug, info, warn or error. Empty level means info.
func NewCLILogger(w io.Writer, level string) (*zap.Logger, error) {
	lv := zapcore.InfoLevel
	if level != "" {
		l, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, err
		}
		lv = l
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(w)),
		lv,
	)
	return zap.New(core), nil
}

// LevelOfVerbosity maps agent verbosity onto a log level.
//
// 0 is info, 1 or more is debug. Negative verbosity keeps only warnings and errors.
func LevelOfVerbosity(v int) string {
	switch {
	case v < 0:
		return "warn"
	case v == 0:
		return "info"
	default:
		return "debug"
	}
}
