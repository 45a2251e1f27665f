package events

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careleave/internal/leave/metrics"
)

// recordingPublisher fails on call failOn (1-based) when set.
type recordingPublisher struct {
	failOn int
	seen   []TransitionEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev TransitionEvent) error {
	if p.failOn > 0 && len(p.seen)+1 == p.failOn {
		return errors.New("broker unavailable")
	}
	p.seen = append(p.seen, ev)
	return nil
}

var relayNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func newMockRelay(t *testing.T, pub Publisher, opts ...RelayOption) (*Relay, sqlmock.Sqlmock, *metrics.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	m := metrics.New(prometheus.NewRegistry())
	opts = append([]RelayOption{
		WithRelayClock(func() time.Time { return relayNow }),
		WithRelayMetrics(m),
	}, opts...)
	return NewRelay(db, pub, opts...), mock, m
}

func outboxRows(t *testing.T, n int) (*sqlmock.Rows, []TransitionEvent) {
	t.Helper()
	rows := sqlmock.NewRows([]string{"id", "payload"})
	var sent []TransitionEvent
	for range n {
		ev := sampleEvent(t)
		payload, err := Encode(ev)
		require.NoError(t, err)
		rows.AddRow(ev.EventID.String(), payload)
		sent = append(sent, ev)
	}
	return rows, sent
}

const claimQuery = "SELECT id, payload FROM leave_outbox"

func TestRelay_DrainPublishesAndMarks(t *testing.T) {
	pub := &recordingPublisher{}
	relay, mock, m := newMockRelay(t, pub, WithBatchSize(10))
	rows, sent := outboxRows(t, 2)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(claimQuery)).WithArgs(10).WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE leave_outbox SET published_at = $1 WHERE id = ANY($2)")).
		WithArgs(relayNow, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.seen, 2)
	assert.Equal(t, sent[0].EventID, pub.seen[0].EventID)
	assert.Equal(t, sent[1].RequestID, pub.seen[1].RequestID)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsPublished))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_DrainEmptyOutbox(t *testing.T) {
	relay, mock, _ := newMockRelay(t, &recordingPublisher{})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(claimQuery)).WillReturnRows(sqlmock.NewRows([]string{"id", "payload"}))
	mock.ExpectRollback()

	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_DrainStopsAtFirstFailure(t *testing.T) {
	t.Run("later rows stay pending", func(t *testing.T) {
		pub := &recordingPublisher{failOn: 2}
		relay, mock, m := newMockRelay(t, pub)
		rows, _ := outboxRows(t, 3)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(claimQuery)).WillReturnRows(rows)
		mock.ExpectExec(regexp.QuoteMeta("UPDATE leave_outbox SET published_at")).
			WithArgs(relayNow, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		n, err := relay.Drain(context.Background())
		require.Error(t, err)
		assert.Equal(t, 1, n)
		assert.Len(t, pub.seen, 1)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxFailures))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing published rolls back", func(t *testing.T) {
		relay, mock, _ := newMockRelay(t, &recordingPublisher{failOn: 1})
		rows, _ := outboxRows(t, 2)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(claimQuery)).WillReturnRows(rows)
		mock.ExpectRollback()

		n, err := relay.Drain(context.Background())
		require.Error(t, err)
		assert.Zero(t, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("undecodable payload blocks the queue", func(t *testing.T) {
		pub := &recordingPublisher{}
		relay, mock, _ := newMockRelay(t, pub)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(claimQuery)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "payload"}).AddRow("bad-row", []byte("{")))
		mock.ExpectRollback()

		_, err := relay.Drain(context.Background())
		require.Error(t, err)
		assert.Empty(t, pub.seen)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRelay_DrainClaimFailure(t *testing.T) {
	relay, mock, _ := newMockRelay(t, &recordingPublisher{})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(claimQuery)).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := relay.Drain(context.Background())
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelay_Prune(t *testing.T) {
	relay, mock, _ := newMockRelay(t, &recordingPublisher{}, WithRetention(48*time.Hour))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM leave_outbox WHERE published_at IS NOT NULL AND published_at < $1")).
		WithArgs(relayNow.Add(-48 * time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := relay.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
