package main

import (
	"io"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// newLogger builds the run logger, writing human-readable lines to w, and
// installs it as the controller-runtime root logger.
func newLogger(w io.Writer, debug bool) logr.Logger {
	opts := []zap.Opts{
		zap.WriteTo(w),
		zap.UseDevMode(debug),
		zap.ConsoleEncoder(),
	}
	if debug {
		opts = append(opts, zap.Level(zapcore.DebugLevel))
	}
	logger := zap.New(opts...).WithName("ipfix")
	ctrl.SetLogger(logger)
	return logger
}
