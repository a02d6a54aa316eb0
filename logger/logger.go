// Package logger builds the zap logger shared by the client, the server and dvbctl.
package logger

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"dvbcache/config"
)

// New returns a JSON logger writing to cfg.Filename through a rotating
// writer, or a console logger on stderr when no file is configured.
func New(cfg config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var core zapcore.Core
	if cfg.Filename == "" {
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	} else {
		core = zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(newLogWriter(cfg)), level)
	}
	return zap.New(core, zap.AddCaller()), nil
}

func newLogWriter(cfg config.Log) io.Writer {
	maxsize := cfg.MaxSize
	if maxsize == 0 {
		maxsize = 1024
	}
	maxage := cfg.MaxAge
	if maxage == 0 {
		maxage = 7
	}
	maxbackups := cfg.MaxBackups
	if maxbackups == 0 {
		maxbackups = 7
	}
	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    maxsize,
		MaxAge:     maxage,
		MaxBackups: maxbackups,
		LocalTime:  true,
	}
}
