// Package logging provides categorized logging for convohub on top of zap.
// Every subsystem logs through its own category so operators can silence noisy parts
// (for example the per-line stream decoder) without losing session lifecycle logs.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup and shutdown
	CategorySession     Category = "session"     // Session table, per-project actors
	CategoryProcess     Category = "process"     // Assistant subprocess supervision
	CategoryStream      Category = "stream"      // Stream-json decoding
	CategoryAccumulator Category = "accumulator" // Conversation accumulation
	CategoryStore       Category = "store"       // History persistence
	CategoryShare       Category = "share"       // Presence and nicknames
	CategoryGuard       Category = "guard"       // Critical file advisories
	CategoryTransport   Category = "transport"   // HTTP and WebSocket
	CategoryCatalog     Category = "catalog"     // Docs and command catalogs
)

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // optional extra output path
	DebugMode  bool            // forces debug level and development encoder
	Categories map[string]bool // per-category toggles, missing means enabled
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the process-wide zap logger from cfg.
func Initialize(cfg Config) error {
	zcfg := zap.NewProductionConfig()
	if cfg.DebugMode {
		zcfg = zap.NewDevelopmentConfig()
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if cfg.DebugMode {
		level = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	switch cfg.Format {
	case "", "json":
		zcfg.Encoding = "json"
	case "console", "text":
		zcfg.Encoding = "console"
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	zcfg.OutputPaths = []string{"stderr"}
	if cfg.File != "" {
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.File)
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	base = l
	categories = cfg.Categories
	loggers = make(map[Category]*Logger)
	mu.Unlock()

	Get(CategoryBoot).Debug("logging initialized: level=%s format=%s", level, zcfg.Encoding)
	return nil
}

// SetLogger replaces the backing zap logger. Tests use it with zaptest/observer.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	base = l
	categories = nil
	loggers = make(map[Category]*Logger)
	mu.Unlock()
}

// Zap returns the structured logger for field-style logging.
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Zap().Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	enabled := IsCategoryEnabled(category)

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	zl := zap.NewNop()
	if enabled {
		zl = base.Named(string(category))
	}
	l := &Logger{category: category, sugar: zl.Sugar()}
	loggers[category] = l
	return l
}

// Category returns the logger's category.
func (l *Logger) Category() Category { return l.category }

// With returns a child logger carrying key/value context.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(kv...)}
}

func (l *Logger) Debug(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...any) { l.sugar.Errorf(format, args...) }

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...any)      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...any) { Get(CategoryBoot).Debug(format, args...) }

func Session(format string, args ...any)      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...any) { Get(CategorySession).Debug(format, args...) }
func SessionWarn(format string, args ...any)  { Get(CategorySession).Warn(format, args...) }

func Process(format string, args ...any)      { Get(CategoryProcess).Info(format, args...) }
func ProcessDebug(format string, args ...any) { Get(CategoryProcess).Debug(format, args...) }
func ProcessWarn(format string, args ...any)  { Get(CategoryProcess).Warn(format, args...) }

func StreamDebug(format string, args ...any) { Get(CategoryStream).Debug(format, args...) }
func StreamWarn(format string, args ...any)  { Get(CategoryStream).Warn(format, args...) }

func AccumulatorDebug(format string, args ...any) { Get(CategoryAccumulator).Debug(format, args...) }
func AccumulatorWarn(format string, args ...any)  { Get(CategoryAccumulator).Warn(format, args...) }

func Store(format string, args ...any)      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...any) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...any)  { Get(CategoryStore).Warn(format, args...) }

func Share(format string, args ...any)      { Get(CategoryShare).Info(format, args...) }
func ShareDebug(format string, args ...any) { Get(CategoryShare).Debug(format, args...) }

func Guard(format string, args ...any)      { Get(CategoryGuard).Info(format, args...) }
func GuardDebug(format string, args ...any) { Get(CategoryGuard).Debug(format, args...) }

func Transport(format string, args ...any)      { Get(CategoryTransport).Info(format, args...) }
func TransportDebug(format string, args ...any) { Get(CategoryTransport).Debug(format, args...) }

func CatalogDebug(format string, args ...any) { Get(CategoryCatalog).Debug(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
