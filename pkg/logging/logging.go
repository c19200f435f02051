// Package logging configures the process-wide slog default: text to stderr
// plus a size-rotated file under the data directory.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/loghive/loghive/pkg/version"
)

// Setup installs the default logger. Returns a closer for the file sink.
func Setup(dataDir string, debug bool) io.Closer {
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dataDir, "logs", version.AppName+".log"),
		MaxSize:    10, // MiB
		MaxBackups: 5,
		Compress:   true,
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, rotator), &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
	return rotator
}
