// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup sets the level and formatter. format is "json" or "text"; anything else is text.
func Setup(level, format string) error {
	lvl := log.InfoLevel
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		parsed, err := log.ParseLevel(trimmed)
		if err != nil {
			return fmt.Errorf("logging: parse level: %w", err)
		}
		lvl = parsed
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
