// Package logging configures the process-wide zerolog output.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"stevedore/internal/config"
)

// Setup configures the global logger from the loaded configuration.
// Logs always go to stderr; when logging.file is set they are also
// written to a rotating file.
func Setup(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	console := zerolog.ConsoleWriter{Out: os.Stderr}

	var out io.Writer = console
	if cfg.Logging.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    100, // MiB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, fileWriter)
	}

	log.Logger = log.Output(out).Level(parseLevel(cfg.Logging.Level))
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
