package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
)

// NewPool opens a pgx pool. When the logger is at debug level or below every
// statement is traced through it.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32, logger zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	if logger.GetLevel() <= zerolog.DebugLevel {
		cfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   QueryLogger(logger),
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// QueryLogger adapts a zerolog.Logger to the pgx tracelog interface.
func QueryLogger(logger zerolog.Logger) tracelog.Logger {
	return tracelog.LoggerFunc(func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
		var evt *zerolog.Event
		switch level {
		case tracelog.LogLevelTrace:
			evt = logger.Trace()
		case tracelog.LogLevelDebug:
			evt = logger.Debug()
		case tracelog.LogLevelInfo:
			evt = logger.Info()
		case tracelog.LogLevelWarn:
			evt = logger.Warn()
		case tracelog.LogLevelError:
			evt = logger.Error()
		default:
			return
		}
		if tid := TenantFromContext(ctx); tid != "" {
			evt = evt.Str("tenant_id", tid)
		}
		evt.Fields(data).Msg(msg)
	})
}
