package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var (
	// ErrSubscriptionNotFound is returned when no subscription matches the lookup
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrJobNotFound is returned when no queue job matches the lookup
	ErrJobNotFound = errors.New("queue job not found")
	// ErrJobNotClaimed is returned when another poller already moved the job out of pending
	ErrJobNotClaimed = errors.New("queue job not claimed")
	// ErrDuplicateJob is returned when a job with the same dedupe key already exists
	ErrDuplicateJob = errors.New("duplicate queue job")
	// ErrInvalidJobType is returned when enqueuing a job of an unknown type
	ErrInvalidJobType = errors.New("invalid job type")
)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles database operations for subscriptions and the notification queue
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// inTx runs fn inside a transaction, committing only if fn succeeds
func (r *Repository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
