// Package idempotency deduplicates repeated dose status submissions.
// Keys are deterministic: Hash(ReminderID+Status+MedicationTime).
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted  Status = "STARTED"
	StatusFinished Status = "FINISHED"
)

// HeaderName is the HTTP header carrying the key
const HeaderName = "Idempotency-Key"

// ErrInProgress indicates the same submission is being processed elsewhere
var ErrInProgress = errors.New("submission in progress")

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long a finished result is replayed
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns defaults sized for one shift of bedside retries
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 2 * time.Minute,
	}
}

// GenerateKey derives the key for a status submission
func GenerateKey(reminderID int64, status int, medicationTime string) string {
	data := strings.Join([]string{
		strconv.FormatInt(reminderID, 10),
		strconv.Itoa(status),
		strings.TrimSpace(medicationTime),
	}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ProcessFunc performs the submission and returns the result to replay
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Inbox manages idempotent submission processing
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn once per key. A finished key replays its stored result with
// replayed=true. A failed fn releases the key so the caller may retry.
func (i *Inbox) Process(ctx context.Context, key string, fn ProcessFunc) (result json.RawMessage, replayed bool, err error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(attribute.String("idempotency_key", key)))
	defer span.End()

	claimed, err := i.claim(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		entry, err := i.get(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("read idempotency key: %w", err)
		}
		if entry.status == StatusFinished {
			span.SetAttributes(attribute.Bool("replayed", true))
			return entry.result, true, nil
		}
		return nil, false, ErrInProgress
	}

	result, err = fn(ctx)
	if err != nil {
		span.RecordError(err)
		if _, delErr := i.pool.Exec(ctx, `DELETE FROM dose_idempotency WHERE idempotency_key = $1`, key); delErr != nil {
			i.logger.Error("failed to release idempotency key", zap.String("key", key), zap.Error(delErr))
		}
		return nil, false, err
	}

	if _, err := i.pool.Exec(ctx, `
		UPDATE dose_idempotency
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, StatusFinished, result, key); err != nil {
		// the submission itself succeeded
		i.logger.Error("failed to mark idempotency key finished", zap.String("key", key), zap.Error(err))
	}
	return result, false, nil
}

// claim inserts a STARTED row, taking over abandoned ones
func (i *Inbox) claim(ctx context.Context, key string) (bool, error) {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO dose_idempotency (idempotency_key, status, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $2, updated_at = NOW()
		WHERE dose_idempotency.status = 'STARTED'
		  AND dose_idempotency.updated_at < NOW() - make_interval(secs => $4)
		RETURNING idempotency_key
	`, key, StatusStarted, time.Now().Add(i.config.TTL), i.config.RecoveryTimeout.Seconds()).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

type entry struct {
	status Status
	result json.RawMessage
}

func (i *Inbox) get(ctx context.Context, key string) (*entry, error) {
	e := &entry{}
	err := i.pool.QueryRow(ctx, `
		SELECT status, result FROM dose_idempotency WHERE idempotency_key = $1
	`, key).Scan(&e.status, &e.result)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("idempotency cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			tag, err := i.cleanup(i.ctx)
			if err != nil {
				i.logger.Error("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if tag.RowsAffected() > 0 {
				i.logger.Info("idempotency cleanup completed", zap.Int64("deleted", tag.RowsAffected()))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) (pgconn.CommandTag, error) {
	return i.pool.Exec(ctx, `DELETE FROM dose_idempotency WHERE expires_at < NOW()`)
}
