// Package logging provides categorized logging for rulepolicy, backed by zap.
// Every subsystem logs through its category logger; categories can be switched off
// or temporarily quietened (the contradiction pass quietens prediction logs).
// Before Initialize or SetLogger is called every logger is a no-op.
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
	CategoryBoot          Category = "boot"          // CLI startup, config loading
	CategoryTraining      Category = "training"      // table building, rule restriction
	CategoryPrediction    Category = "prediction"    // per-call precedence decisions
	CategoryContradiction Category = "contradiction" // replay of training trackers
	CategoryStore         Category = "store"         // SQLite persistence
	CategoryAudit         Category = "audit"         // structured decision events
)

// Options mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type Options struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, text
	Categories map[string]bool // per-category toggles, missing = enabled
	OutputPath string          // defaults to stderr
}

// Logger is a category logger.
type Logger struct {
	category Category
	zl       *zap.Logger
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	baseLevel  = zapcore.InfoLevel
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
	levels     = make(map[Category]zap.AtomicLevel)
	quiets     = make(map[Category]*quietHolds)
)

// quietHolds tracks the Quiet calls still active on one category.
type quietHolds struct {
	base  zapcore.Level
	holds []zapcore.Level
}

// Initialize builds the process logger from options.
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	cfg := zap.NewProductionConfig()
	switch opts.Format {
	case "", "json":
	case "text", "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return fmt.Errorf("invalid log format %q (valid: json, text)", opts.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Sampling = nil
	if opts.OutputPath != "" {
		cfg.OutputPaths = []string{opts.OutputPath}
	}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	SetLogger(l)
	SetCategories(opts.Categories)
	return nil
}

// SetLogger replaces the process logger. Tests pass observer or zaptest loggers.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	base = l
	baseLevel = zapcore.LevelOf(l.Core())
	loggers = make(map[Category]*Logger)
	levels = make(map[Category]zap.AtomicLevel)
	quiets = make(map[Category]*quietHolds)
}

// SetCategories replaces the category toggles. Nil enables everything.
func SetCategories(toggles map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	categories = toggles
	loggers = make(map[Category]*Logger)
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabled(category)
}

func categoryEnabled(category Category) bool {
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
// Returns a no-op logger if the category is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	zl := zap.NewNop()
	if categoryEnabled(category) {
		atom, ok := levels[category]
		if !ok {
			atom = zap.NewAtomicLevelAt(baseLevel)
			levels[category] = atom
		}
		zl = base.Named(string(category)).WithOptions(zap.IncreaseLevel(atom))
	}

	l := &Logger{category: category, zl: zl, sugar: zl.Sugar()}
	loggers[category] = l
	return l
}

// Quiet raises a category to at least level until the returned restore func runs.
// Overlapping calls nest: the category returns to its original level only after
// every restore func has run.
func Quiet(category Category, level zapcore.Level) (restore func()) {
	Get(category)

	mu.Lock()
	defer mu.Unlock()
	atom, ok := levels[category]
	if !ok {
		return func() {}
	}

	q, held := quiets[category]
	if !held {
		q = &quietHolds{base: atom.Level()}
		quiets[category] = q
	}
	q.holds = append(q.holds, level)
	atom.SetLevel(q.effective())

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			// SetLogger may have replaced the category state in the meantime
			if quiets[category] != q {
				return
			}
			for i, l := range q.holds {
				if l == level {
					q.holds = append(q.holds[:i], q.holds[i+1:]...)
					break
				}
			}
			atom.SetLevel(q.effective())
			if len(q.holds) == 0 {
				delete(quiets, category)
			}
		})
	}
}

func (q *quietHolds) effective() zapcore.Level {
	level := q.base
	for _, l := range q.holds {
		if l > level {
			level = l
		}
	}
	return level
}

// Zap returns the underlying structured logger.
func (l *Logger) Zap() *zap.Logger { return l.zl }

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Sync flushes the process logger.
func Sync() error {
	return L().Sync()
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Training logs to the training category
func Training(format string, args ...interface{}) {
	Get(CategoryTraining).Info(format, args...)
}

// TrainingDebug logs debug to the training category
func TrainingDebug(format string, args ...interface{}) {
	Get(CategoryTraining).Debug(format, args...)
}

// TrainingWarn logs a warning to the training category
func TrainingWarn(format string, args ...interface{}) {
	Get(CategoryTraining).Warn(format, args...)
}

// Prediction logs to the prediction category
func Prediction(format string, args ...interface{}) {
	Get(CategoryPrediction).Info(format, args...)
}

// PredictionDebug logs debug to the prediction category
func PredictionDebug(format string, args ...interface{}) {
	Get(CategoryPrediction).Debug(format, args...)
}

// Contradiction logs to the contradiction category
func Contradiction(format string, args ...interface{}) {
	Get(CategoryContradiction).Info(format, args...)
}

// ContradictionDebug logs debug to the contradiction category
func ContradictionDebug(format string, args ...interface{}) {
	Get(CategoryContradiction).Debug(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures one operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}
