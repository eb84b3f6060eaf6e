package chatterbox

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const maskedIDLength = 8

// NewLogger returns a logrus logger writing text to stderr at the given
// level. Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func componentLogger(base logrus.FieldLogger, component string) logrus.FieldLogger {
	if base == nil {
		base = discardLogger()
	}
	return base.WithField("component", component)
}

// maskID shortens ids for log lines.
func maskID(id string) string {
	if len(id) > maskedIDLength {
		return id[:maskedIDLength] + "..."
	}
	return id
}
