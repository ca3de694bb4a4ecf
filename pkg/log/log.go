// Package log builds module-scoped loggers on top of luxfi/log.
package log

import (
	"fmt"
	"strings"

	luxlog "github.com/luxfi/log"
)

// Logger is the structured logger every component takes in its constructor.
type Logger = luxlog.Logger

// New returns a logger tagged with the given module name.
func New(module string) Logger {
	return luxlog.Root().New("module", module)
}

// NewLeveled returns a logger filtered at level ("debug", "info", "warn", "error").
func NewLeveled(module, level string) (Logger, error) {
	lvl, err := luxlog.ToLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return luxlog.NewTestLogger(lvl).New("module", module), nil
}
