// Package logging sets up the structured logger threaded through the
// cluster manager, translator, and HTTP handlers.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.FieldLogger from the given level/format, matching
// internal/config.LoggingConfig. An unparseable level falls back to info
// rather than failing startup.
func New(level, format string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	switch format {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	return log
}

// ForComponent returns a child entry tagged with a "component" field.
// Call sites should never log directly from a package-level global;
// every subsystem receives one of these at construction time instead.
func ForComponent(log logrus.FieldLogger, component string) *logrus.Entry {
	return log.WithField("component", component)
}

// ForNode returns a child entry tagged with node_id, nested under an
// existing component entry.
func ForNode(entry *logrus.Entry, nodeID string) *logrus.Entry {
	return entry.WithField("node_id", nodeID)
}

// ForRequest returns a child entry tagged with request_id.
func ForRequest(entry *logrus.Entry, requestID string) *logrus.Entry {
	return entry.WithField("request_id", requestID)
}
