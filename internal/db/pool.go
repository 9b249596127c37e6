package db

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Config holds Postgres connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MinConns int
	MaxConns int
}

const (
	maxAcquireAttempts = 5
	baseBackoff        = 50 * time.Millisecond
	maxBackoff         = 2 * time.Second
)

// Pool is a process-aware connection pool. The pool records the process id
// that opened it; if it is later touched from a different process (after a
// fork in a pre-fork deployment model) the inherited descriptors are
// discarded and the pool is re-opened.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	logger   *zap.Logger
	db       *sqlx.DB
	ownerPID int
}

// NewPool creates a pool; the first connection is opened lazily.
func NewPool(cfg Config, logger *zap.Logger) *Pool {
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 2
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = 1
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	return &Pool{cfg: cfg, logger: logger}
}

func (p *Pool) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.cfg.Host, p.cfg.Port, p.cfg.User, p.cfg.Password, p.cfg.Database, p.cfg.SSLMode,
	)
}

// acquire returns the live pool, re-opening it when the owning process has
// changed or it has never been opened.
func (p *Pool) acquire(ctx context.Context) (*sqlx.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pid := os.Getpid()
	if p.db != nil && p.ownerPID == pid {
		return p.db, nil
	}
	if p.db != nil {
		// Inherited from another process; the sockets are not ours to use.
		p.logger.Warn("Pool owner process changed, recreating pool",
			zap.Int("owner_pid", p.ownerPID),
			zap.Int("pid", pid),
		)
		_ = p.db.Close()
		p.db = nil
	}

	db, err := sqlx.Open("postgres", p.dsn())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(p.cfg.MaxConns)
	db.SetMaxIdleConns(p.cfg.MinConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p.db = db
	p.ownerPID = pid
	p.logger.Info("Database pool opened",
		zap.String("host", p.cfg.Host),
		zap.String("database", p.cfg.Database),
		zap.Int("max_conns", p.cfg.MaxConns),
	)
	return p.db, nil
}

// WithConn runs fn with the pool, retrying pool-exhaustion and
// "too many connections" failures with exponential backoff. Other errors
// surface immediately.
func (p *Pool) WithConn(ctx context.Context, fn func(*sqlx.DB) error) error {
	backoff := baseBackoff
	var lastErr error
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		db, err := p.acquire(ctx)
		if err == nil {
			err = fn(db)
		}
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		p.logger.Warn("Retryable database error, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("database retries exhausted: %w", lastErr)
}

// isRetryable matches connection-capacity failures only.
func isRetryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "too many connections") ||
		strings.Contains(msg, "too many clients") ||
		strings.Contains(msg, "connection pool exhausted") ||
		strings.Contains(msg, "sorry, too many clients")
}

// QueryMaps runs a query and returns every row as a column-name → value
// map, the dictionary-cursor shape the stores consume.
func (p *Pool) QueryMaps(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := p.WithConn(ctx, func(db *sqlx.DB) error {
		rows, err := db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			row := map[string]interface{}{}
			if err := rows.MapScan(row); err != nil {
				return err
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	return out, err
}

// Exec runs a statement through the retry path.
func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) error {
	return p.WithConn(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, query, args...)
		return err
	})
}

// DB exposes the raw pool for stores that manage their own statements.
func (p *Pool) DB(ctx context.Context) (*sqlx.DB, error) {
	return p.acquire(ctx)
}

// Close closes all connections; called once on process shutdown.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
