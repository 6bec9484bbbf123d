// Package logging configures the process logger.
package logging

import (
	"io"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init parses logLevel and configures logger.
// A logPath other than "" or "console" sends output to a rotating file at that path.
// The returned closer releases the file and is safe to call when logging to the console.
func Init(logger *log.Logger, logLevel string, logPath string) (io.Closer, error) {
	if logLevel == "" {
		logLevel = "info"
	}
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		logger.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return nopCloser{}, err
	}

	var closer io.Closer = nopCloser{}
	toFile := logPath != "" && logPath != "console"
	if toFile {
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		logger.SetOutput(io.Writer(lumberjackLogger))
		closer = lumberjackLogger
	}

	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: toFile})
	logger.SetLevel(level)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
