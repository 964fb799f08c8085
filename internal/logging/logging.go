// Package logging configures the console's shared logger: stderr
// always, plus a size-rotated file when one is configured.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/droid-deck/console/internal/config"
)

// Setup builds the root logger. The returned closer flushes the file
// sink; call it on shutdown. With no file configured the closer is a
// no-op.
func Setup(cfg config.LogConfig) (*log.Logger, func() error) {
	flags := log.LstdFlags | log.Lmicroseconds

	if cfg.File == "" {
		return log.New(os.Stderr, "", flags), func() error { return nil }
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	logger := log.New(io.MultiWriter(os.Stderr, rotator), "", flags)
	return logger, rotator.Close
}
