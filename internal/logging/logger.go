package logging

import (
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu     sync.Mutex
	logger hclog.Logger
)

// SetLogger sets the process-wide default logger used by components that were
// not handed one explicitly.
func SetLogger(l hclog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// GetLogger returns the default logger, initializing a plain INFO-level
// logger on first use.
func GetLogger() hclog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "pollsync",
			Level:  hclog.Info,
			Output: os.Stderr,
		})
	}
	return logger
}
