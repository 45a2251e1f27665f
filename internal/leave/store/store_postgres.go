package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"careleave/internal/leave/events"
	"careleave/internal/leave/models"
	id "careleave/pkg/domain"
	"careleave/pkg/platform/sentinel"
	txcontext "careleave/pkg/platform/tx"
)

// PostgresStore persists leave requests in PostgreSQL. The version column
// is the optimistic lock: an update only lands if the version it read is
// still current.
type PostgresStore struct {
	db     *sql.DB
	outbox bool
	logger *slog.Logger
}

type PostgresOption func(*PostgresStore)

// WithOutbox makes every committed entry also write its transition event to
// leave_outbox in the same transaction, for events.Relay to deliver.
func WithOutbox() PostgresOption {
	return func(s *PostgresStore) {
		s.outbox = true
	}
}

func WithLogger(logger *slog.Logger) PostgresOption {
	return func(s *PostgresStore) {
		s.logger = logger
	}
}

// NewPostgres constructs a PostgreSQL-backed leave store.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const requestColumns = `id, beneficiary_id, guardian_name, guardian_contact, leave_type, reason,
	departure_date, return_date, state, medical_clearance, rejection_reason,
	actual_departure, actual_return, returned_late, created_by, created_at, updated_at, version`

const historyColumns = `id, request_id, seq, action, from_state, to_state, actor_id, actor_role, note, occurred_at`

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) querier(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// withTx joins a transaction already carried by ctx or runs fn in a new one.
func (s *PostgresStore) withTx(ctx context.Context, fn func(exec dbExecutor) error) error {
	return txcontext.Run(ctx, s.db, func(tx *sql.Tx) error {
		return fn(tx)
	})
}

func (s *PostgresStore) Create(ctx context.Context, r *models.LeaveRequest) error {
	if len(r.History) != 1 {
		return fmt.Errorf("create leave request: expected exactly one opening entry, got %d", len(r.History))
	}
	clearance, err := marshalClearance(r.MedicalClearance)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(exec dbExecutor) error {
		_, err := exec.ExecContext(ctx, `
			INSERT INTO leave_requests (`+requestColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		`,
			uuid.UUID(r.ID), string(r.BeneficiaryID), r.GuardianName, r.GuardianContact, string(r.LeaveType), r.Reason,
			r.DepartureDate, r.ReturnDate, string(r.State), clearance, r.RejectionReason,
			r.ActualDeparture, r.ActualReturn, r.ReturnedLate, string(r.CreatedBy), r.CreatedAt, r.UpdatedAt, r.Version,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("create leave request %s: %w", r.ID, sentinel.ErrConflict)
			}
			return fmt.Errorf("insert leave request: %w", err)
		}
		return s.insertEntry(ctx, exec, r, r.History[0])
	})
}

// snapshotRead makes the row and its history come from the same commit.
var snapshotRead = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

// FindByID reads the projection and its history in one snapshot, so a
// transition committed between the two queries cannot pair an old row with
// a newer history.
func (s *PostgresStore) FindByID(ctx context.Context, requestID id.LeaveRequestID) (*models.LeaveRequest, error) {
	var r *models.LeaveRequest
	err := txcontext.RunWith(ctx, s.db, snapshotRead, func(tx *sql.Tx) error {
		var err error
		r, err = findByID(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func findByID(ctx context.Context, exec dbExecutor, requestID id.LeaveRequestID) (*models.LeaveRequest, error) {
	r, err := scanRequest(exec.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM leave_requests WHERE id = $1`, uuid.UUID(requestID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find leave request: %w", err)
	}

	rows, err := exec.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM leave_history WHERE request_id = $1 ORDER BY seq`, uuid.UUID(requestID))
	if err != nil {
		return nil, fmt.Errorf("load leave history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		r.History = append(r.History, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leave history: %w", err)
	}
	return r, nil
}

// Update writes the projection and appends entry in one transaction,
// provided the row is still at expectedVersion. On success r.Version is
// advanced.
func (s *PostgresStore) Update(ctx context.Context, r *models.LeaveRequest, expectedVersion int64, entry models.HistoryEntry) error {
	clearance, err := marshalClearance(r.MedicalClearance)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(exec dbExecutor) error {
		res, err := exec.ExecContext(ctx, `
			UPDATE leave_requests
			SET state = $3,
			    medical_clearance = $4,
			    rejection_reason = $5,
			    actual_departure = $6,
			    actual_return = $7,
			    returned_late = $8,
			    updated_at = $9,
			    version = version + 1
			WHERE id = $1 AND version = $2
		`,
			uuid.UUID(r.ID), expectedVersion,
			string(r.State), clearance, r.RejectionReason,
			r.ActualDeparture, r.ActualReturn, r.ReturnedLate, r.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update leave request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update leave request rows affected: %w", err)
		}
		if n == 0 {
			return s.missingOrConflict(ctx, exec, r.ID, expectedVersion)
		}
		return s.insertEntry(ctx, exec, r, entry)
	})
	if err != nil {
		return err
	}
	r.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) missingOrConflict(ctx context.Context, exec dbExecutor, requestID id.LeaveRequestID, expected int64) error {
	var exists bool
	if err := exec.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM leave_requests WHERE id = $1)`, uuid.UUID(requestID),
	).Scan(&exists); err != nil {
		return fmt.Errorf("check leave request: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return fmt.Errorf("leave request %s moved past version %d: %w", requestID, expected, sentinel.ErrConflict)
}

// List returns one page, newest first. Items carry no history.
func (s *PostgresStore) List(ctx context.Context, f models.ListFilter) (models.Page, error) {
	where, args := buildWhere(f)
	exec := s.querier(ctx)

	page := models.Page{Items: []*models.LeaveRequest{}, Page: f.Page, PageSize: f.PageSize}
	if err := exec.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM leave_requests`+where, args...,
	).Scan(&page.Total); err != nil {
		return models.Page{}, fmt.Errorf("count leave requests: %w", err)
	}

	n := len(args)
	query := `SELECT ` + requestColumns + ` FROM leave_requests` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	rows, err := exec.QueryContext(ctx, query, append(args, f.PageSize, f.Offset())...)
	if err != nil {
		return models.Page{}, fmt.Errorf("list leave requests: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return models.Page{}, err
		}
		page.Items = append(page.Items, r)
	}
	if err := rows.Err(); err != nil {
		return models.Page{}, fmt.Errorf("iterate leave requests: %w", err)
	}
	return page, nil
}

// ListByState returns every request in state, oldest first. A row that
// cannot be decoded is logged and left out so one bad record does not hide
// the rest from the overdue scan.
func (s *PostgresStore) ListByState(ctx context.Context, state models.State) ([]*models.LeaveRequest, error) {
	rows, err := s.querier(ctx).QueryContext(ctx,
		`SELECT `+requestColumns+` FROM leave_requests WHERE state = $1 ORDER BY created_at`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list leave requests by state: %w", err)
	}
	defer rows.Close()
	var out []*models.LeaveRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if errors.Is(err, errMalformedRow) {
			s.logger.ErrorContext(ctx, "skipping undecodable leave request",
				"state", state,
				"error", err,
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leave requests: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountByState(ctx context.Context) (map[models.State]int, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, `SELECT state, COUNT(*) FROM leave_requests GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count leave requests by state: %w", err)
	}
	defer rows.Close()
	counts := make(map[models.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[models.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}
	return counts, nil
}

func buildWhere(f models.ListFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}

	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		add("state = ANY(?)", pq.Array(states))
	}
	if f.BeneficiaryID != "" {
		add("beneficiary_id = ?", string(f.BeneficiaryID))
	}
	if f.LeaveType != "" {
		add("leave_type = ?", string(f.LeaveType))
	}
	if !f.From.IsZero() {
		add("return_date >= ?", f.From)
	}
	if !f.To.IsZero() {
		add("departure_date <= ?", f.To)
	}
	if f.Search != "" {
		add("(reason ILIKE ? OR guardian_name ILIKE ?)", "%"+escapeLike(f.Search)+"%")
	}
	if f.After != nil {
		args = append(args, f.After.CreatedAt, uuid.UUID(f.After.ID))
		clauses = append(clauses, "(created_at, id) < ($"+strconv.Itoa(len(args)-1)+", $"+strconv.Itoa(len(args))+")")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *PostgresStore) insertEntry(ctx context.Context, exec dbExecutor, r *models.LeaveRequest, e models.HistoryEntry) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO leave_history (`+historyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		uuid.UUID(e.ID), uuid.UUID(e.RequestID), e.Seq, string(e.Action), string(e.FromState), string(e.ToState),
		string(e.ActorID), string(e.Role), e.Note, e.OccurredAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("history entry %d already exists: %w", e.Seq, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert leave history: %w", err)
	}
	if !s.outbox {
		return nil
	}
	return insertOutbox(ctx, exec, r, e)
}

// insertOutbox keys the row by entry id, which doubles as the event id
// consumers deduplicate on.
func insertOutbox(ctx context.Context, exec dbExecutor, r *models.LeaveRequest, e models.HistoryEntry) error {
	payload, err := events.Encode(events.FromEntry(r, e))
	if err != nil {
		return err
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO leave_outbox (id, request_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		uuid.UUID(e.ID), uuid.UUID(r.ID), events.EventType(e.Action), string(payload), e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert leave outbox: %w", err)
	}
	return nil
}

// marshalClearance renders the JSONB value as text; lib/pq would send a
// []byte as bytea.
func marshalClearance(c *models.MedicalClearance) (any, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal medical clearance: %w", err)
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// errMalformedRow marks a row that scanned but holds a value the domain
// cannot decode.
var errMalformedRow = errors.New("malformed leave request row")

func scanRequest(row rowScanner) (*models.LeaveRequest, error) {
	var r models.LeaveRequest
	var requestID uuid.UUID
	var beneficiary, leaveType, state, createdBy string
	var clearance []byte
	var actualDeparture, actualReturn sql.NullTime
	var createdAt, updatedAt time.Time
	err := row.Scan(
		&requestID, &beneficiary, &r.GuardianName, &r.GuardianContact, &leaveType, &r.Reason,
		&r.DepartureDate, &r.ReturnDate, &state, &clearance, &r.RejectionReason,
		&actualDeparture, &actualReturn, &r.ReturnedLate, &createdBy, &createdAt, &updatedAt, &r.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan leave request: %w", err)
	}

	r.ID = id.LeaveRequestID(requestID)
	r.BeneficiaryID = id.BeneficiaryID(beneficiary)
	r.LeaveType = models.LeaveType(leaveType)
	r.State = models.State(state)
	r.CreatedBy = id.ActorID(createdBy)
	r.CreatedAt = createdAt
	r.UpdatedAt = updatedAt
	if actualDeparture.Valid {
		t := actualDeparture.Time
		r.ActualDeparture = &t
	}
	if actualReturn.Valid {
		t := actualReturn.Time
		r.ActualReturn = &t
	}
	if len(clearance) > 0 {
		var mc models.MedicalClearance
		if err := json.Unmarshal(clearance, &mc); err != nil {
			return nil, fmt.Errorf("%w: request %s: decode medical clearance: %w", errMalformedRow, r.ID, err)
		}
		r.MedicalClearance = &mc
	}
	return &r, nil
}

func scanEntry(row rowScanner) (models.HistoryEntry, error) {
	var e models.HistoryEntry
	var entryID, requestID uuid.UUID
	var action, fromState, toState, actorID, role string
	if err := row.Scan(&entryID, &requestID, &e.Seq, &action, &fromState, &toState, &actorID, &role, &e.Note, &e.OccurredAt); err != nil {
		return models.HistoryEntry{}, fmt.Errorf("scan leave history: %w", err)
	}
	e.ID = id.EntryID(entryID)
	e.RequestID = id.LeaveRequestID(requestID)
	e.Action = models.Action(action)
	e.FromState = models.State(fromState)
	e.ToState = models.State(toState)
	e.ActorID = id.ActorID(actorID)
	e.Role = models.Role(role)
	return e, nil
}
