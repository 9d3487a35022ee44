// Package logging configures the logrus logger shared by tailor's packages.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options controls logger setup.
type Options struct {
	// Level is a logrus level name ("debug", "info", "warn", ...). Defaults to info.
	Level string
	// JSON selects the JSON formatter instead of the text formatter.
	JSON bool
	// Output defaults to stderr.
	Output io.Writer
}

// Setup configures the standard logrus logger and returns it.
func Setup(opts Options) (*logrus.Logger, error) {
	logger := logrus.StandardLogger()

	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}
	logger.SetLevel(level)

	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	return logger, nil
}

// OrDefault returns log, or the standard logger when log is nil.
func OrDefault(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return logrus.StandardLogger()
	}
	return log
}
