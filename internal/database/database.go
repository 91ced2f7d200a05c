package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/boscod/attendwatch/internal/models"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// RetryPolicy bounds the attempts made to reach Postgres at startup.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

var DefaultRetry = RetryPolicy{
	Attempts:       3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     10 * time.Second,
}

// Connect opens the archive database, retrying with exponential backoff.
// Cancelling ctx abandons the remaining attempts.
func Connect(ctx context.Context, dsn string, retry RetryPolicy) (*bun.DB, error) {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}

	var lastErr error
	backoff := retry.InitialBackoff
	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		db, err := attemptConnect(ctx, dsn)
		if err == nil {
			if attempt > 1 {
				log.Printf("[Database] Connected on attempt %d", attempt)
			}
			return db, nil
		}
		lastErr = err
		log.Printf("[Database] Connection attempt %d/%d failed: %v", attempt, retry.Attempts, err)

		if attempt == retry.Attempts {
			break
		}
		log.Printf("[Database] Retrying in %v...", backoff)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to archive database: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, retry.MaxBackoff)
	}

	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", retry.Attempts, lastErr)
}

func attemptConnect(ctx context.Context, dsn string) (*bun.DB, error) {
	connector := pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithDialTimeout(10*time.Second),
		pgdriver.WithReadTimeout(30*time.Second),
		pgdriver.WithWriteTimeout(30*time.Second),
	)
	sqldb := sql.OpenDB(connector)

	// Archive writes happen once per cycle with new events.
	sqldb.SetMaxOpenConns(3)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxIdleTime(5 * time.Minute)

	db := bun.NewDB(sqldb, pgdialect.New())

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Migrate creates the archive table if it does not exist.
func Migrate(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().
		Model((*models.ArchivedEvent)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create attendance_events: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.ArchivedEvent)(nil)).
		Index("idx_attendance_events_user_ts").
		Column("user_id", "timestamp").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to index attendance_events: %w", err)
	}
	return nil
}
