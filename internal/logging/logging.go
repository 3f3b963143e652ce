package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"lora-trainer/internal/config"
)

// Setup configures the standard logrus logger from config
func Setup(cfg config.LoggingConfig) *log.Logger {
	return configure(log.StandardLogger(), cfg, os.Stderr)
}

func configure(logger *log.Logger, cfg config.LoggingConfig, out io.Writer) *log.Logger {
	level, err := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetOutput(out)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
		})
	}

	if err != nil && cfg.Level != "" {
		logger.Warnf("unknown log level %q, using info", cfg.Level)
	}
	return logger
}

// RetryLogger forwards go-retryablehttp request logs to logrus at debug level
type RetryLogger struct {
	Entry *log.Entry
}

func (l RetryLogger) Printf(format string, args ...interface{}) {
	l.Entry.Debugf(format, args...)
}
