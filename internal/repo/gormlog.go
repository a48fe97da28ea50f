package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var _ logger.Interface = (*GormLogger)(nil)

// DefaultSlowQuery is the threshold above which queries are logged at warn.
const DefaultSlowQuery = 200 * time.Millisecond

// GormLogger routes gorm's log output through slog so database messages share
// the service's handler and format.
type GormLogger struct {
	log   *slog.Logger
	level logger.LogLevel
	slow  time.Duration
}

// NewGormLogger returns a gorm logger writing to log at warn level.
func NewGormLogger(log *slog.Logger) *GormLogger {
	if log == nil {
		log = slog.Default()
	}
	return &GormLogger{log: log.With(slog.String("component", "gorm")), level: logger.Warn, slow: DefaultSlowQuery}
}

// LogMode implements logger.Interface.
func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

// Info implements logger.Interface.
func (l *GormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

// Warn implements logger.Interface.
func (l *GormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.log.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

// Error implements logger.Interface.
func (l *GormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.log.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

// Trace implements logger.Interface. Failed statements log at error and slow
// ones at warn; everything else only at info level.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	attrs := func() []any {
		sql, rows := fc()
		return []any{
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		}
	}
	switch {
	case err != nil && l.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.ErrorContext(ctx, "query failed", append(attrs(), slog.Any("error", err))...)
	case l.slow > 0 && elapsed > l.slow && l.level >= logger.Warn:
		l.log.WarnContext(ctx, "slow query", attrs()...)
	case l.level >= logger.Info:
		l.log.DebugContext(ctx, "query", attrs()...)
	}
}
