package engine

import (
	"github.com/hashicorp/go-hclog"

	"github.com/crestline/pollsync/internal/logging"
)

// SetLogger sets the default logger for the engine package.
func SetLogger(l hclog.Logger) {
	logging.SetLogger(l)
}

// GetLogger returns the default logger for the engine package.
func GetLogger() hclog.Logger {
	return logging.GetLogger()
}
