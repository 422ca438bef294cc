package main

import (
	"context"
	"io"
	"os"

	"github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-waitpoint"
	"github.com/goliatone/go-waitpoint/config"
)

// glogLogger adapts a go-logger logger to waitpoint.Logger.
type glogLogger struct {
	logger glog.Logger
}

var (
	_ waitpoint.Logger       = glogLogger{}
	_ waitpoint.FieldsLogger = glogLogger{}
)

func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogLogger) WithContext(ctx context.Context) waitpoint.Logger {
	if l.logger == nil {
		return waitpoint.NewFmtLogger(nil).WithContext(ctx)
	}
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) waitpoint.Logger {
	if l.logger == nil {
		return waitpoint.NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

func newLogger(cfg config.LoggingConfig, out io.Writer) waitpoint.Logger {
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "json" {
		return glogLogger{logger: glog.NewLogger(glog.WithWriter(out), glog.WithLevel(cfg.Level), glog.WithLoggerTypeJSON())}
	}
	return glogLogger{logger: glog.NewLogger(glog.WithWriter(out), glog.WithLevel(cfg.Level))}
}
