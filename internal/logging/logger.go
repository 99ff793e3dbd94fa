// Package logging provides categorized zap loggers for taskpilot.
// Each subsystem gets a named child logger; the level is set once at
// startup from config and shared by every category.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a subsystem logger.
type Category string

const (
	CategoryBoot       Category = "boot"
	CategoryAPI        Category = "api"
	CategoryPlanner    Category = "planner"
	CategoryDispatch   Category = "dispatch"
	CategoryBoard      Category = "board"
	CategoryVoice      Category = "voice"
	CategoryLLM        Category = "llm"
	CategoryPersist    Category = "persist"
	CategoryCapability Category = "capability"
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	loggers = make(map[Category]*zap.Logger)
)

// Initialize builds the root logger. debug selects the development encoder
// and lowers the level to Debug. Safe to call more than once; subsequent
// calls replace the root and drop cached children.
func Initialize(debug bool) error {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		level.SetLevel(zapcore.DebugLevel)
	}
	cfg.Level = level
	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*zap.Logger)
	return nil
}

// SetLevel adjusts the shared level at runtime.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// Get returns the named logger for a category, creating it on first use.
func Get(cat Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := root.Named(string(cat))
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
