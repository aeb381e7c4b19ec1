package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config selects level and output format for the process logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

var root = logrus.New()

// Init configures the shared logger. Unknown levels fall back to info.
func Init(cfg Config) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	root.SetLevel(level)
	root.SetOutput(os.Stdout)

	if strings.EqualFold(cfg.Format, "json") {
		root.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
		return
	}
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
	})
}

// Logger returns the shared logger.
func Logger() *logrus.Logger {
	return root
}

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return root.WithField("component", component)
}
