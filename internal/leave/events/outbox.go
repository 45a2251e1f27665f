package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"careleave/internal/leave/metrics"
)

const (
	defaultRelayBatch     = 100
	defaultRelayInterval  = time.Second
	defaultRelayRetention = 7 * 24 * time.Hour
)

// Relay delivers transition events written to leave_outbox by the Postgres
// store. Rows are claimed with SKIP LOCKED so several replicas can relay in
// parallel without sending a row twice in the same pass. A row is marked
// published only after the broker acknowledged it, so delivery is at least
// once; consumers deduplicate on event_id.
type Relay struct {
	db        *sql.DB
	publisher Publisher
	batch     int
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type RelayOption func(*Relay)

// WithBatchSize bounds the rows claimed per pass.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithRelayInterval sets the polling period of Run.
func WithRelayInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithRetention sets how long published rows are kept before Prune removes them.
func WithRetention(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.retention = d
		}
	}
}

func WithRelayClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		r.now = now
	}
}

func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithRelayMetrics(m *metrics.Metrics) RelayOption {
	return func(r *Relay) {
		r.metrics = m
	}
}

// NewRelay creates a relay publishing outbox rows through publisher. Pass
// the broker publisher itself rather than a Guarded one: a dropped event
// must stay in the outbox.
func NewRelay(db *sql.DB, publisher Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		db:        db,
		publisher: publisher,
		batch:     defaultRelayBatch,
		interval:  defaultRelayInterval,
		retention: defaultRelayRetention,
		now:       time.Now,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drains the outbox every interval until ctx is cancelled. A full
// batch is followed immediately by another pass.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	lastPrune := time.Time{}

	for {
		for {
			n, err := r.Drain(ctx)
			if err != nil {
				r.logger.WarnContext(ctx, "outbox relay pass failed", "error", err)
			}
			if err != nil || n < r.batch {
				break
			}
		}
		if now := r.now(); now.Sub(lastPrune) >= time.Hour {
			if _, err := r.Prune(ctx); err != nil {
				r.logger.WarnContext(ctx, "outbox prune failed", "error", err)
			}
			lastPrune = now
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type outboxRow struct {
	id      string
	payload []byte
}

// Drain publishes up to one batch of pending rows in creation order and
// returns how many were published. It stops at the first failure so events
// of a request are never delivered out of order.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	pending, err := claim(ctx, tx, r.batch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	published := make([]string, 0, len(pending))
	var publishErr error
	for _, row := range pending {
		var event TransitionEvent
		if err := json.Unmarshal(row.payload, &event); err != nil {
			publishErr = fmt.Errorf("decode outbox row %s: %w", row.id, err)
			break
		}
		if err := r.publisher.Publish(ctx, event); err != nil {
			publishErr = fmt.Errorf("publish outbox row %s: %w", row.id, err)
			break
		}
		published = append(published, row.id)
	}

	if len(published) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE leave_outbox SET published_at = $1 WHERE id = ANY($2)`,
			r.now(), pq.Array(published),
		); err != nil {
			return 0, fmt.Errorf("mark outbox rows published: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit outbox tx: %w", err)
		}
	}

	if r.metrics != nil {
		for range published {
			r.metrics.IncEventsPublished()
		}
		if publishErr != nil {
			r.metrics.IncOutboxFailure()
		}
	}
	if publishErr != nil {
		r.logger.WarnContext(ctx, "outbox relay stopped early, remaining rows retry next pass",
			"published", len(published),
			"pending", len(pending)-len(published),
			"error", publishErr,
		)
	}
	return len(published), publishErr
}

func claim(ctx context.Context, tx *sql.Tx, limit int) ([]outboxRow, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload FROM leave_outbox
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox rows: %w", err)
	}
	defer rows.Close()

	var out []outboxRow
	for rows.Next() {
		var row outboxRow
		if err := rows.Scan(&row.id, &row.payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return out, nil
}

// Prune deletes rows published before the retention window.
func (r *Relay) Prune(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM leave_outbox WHERE published_at IS NOT NULL AND published_at < $1`,
		r.now().Add(-r.retention),
	)
	if err != nil {
		return 0, fmt.Errorf("prune leave outbox: %w", err)
	}
	return res.RowsAffected()
}
