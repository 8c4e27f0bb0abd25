// Package postgres is the storage.Store for shared deployments, using lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"tally/internal/core"
	"tally/internal/log"
	"tally/internal/storage"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

type Store struct {
	db     *sql.DB
	logger *log.Logger
}

var _ storage.Store = (*Store)(nil)

// Open connects to databaseURL, applies migrations and returns the store.
func Open(ctx context.Context, databaseURL string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, logger), nil
}

// New wraps an already migrated database.
func New(db *sql.DB, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{db: db, logger: logger.WithComponent(log.ComponentStorage)}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return storage.Wrap("ping postgres", s.db.PingContext(ctx))
}

func (s *Store) Exists(ctx context.Context, hash core.Fingerprint) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM fingerprints WHERE hash = $1)`, string(hash)).Scan(&exists)
	if err != nil {
		return false, storage.Wrap("check fingerprint", err)
	}
	return exists, nil
}

func (s *Store) Get(ctx context.Context, hash core.Fingerprint) (core.FingerprintRecord, error) {
	var (
		rec        core.FingerprintRecord
		owner      string
		status     string
		metadata   []byte
		recordedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner, submission_id, status, metadata, claimed_at, recorded_at
		FROM fingerprints WHERE hash = $1`, string(hash)).
		Scan(&owner, &rec.SubmissionID, &status, &metadata, &rec.ClaimedAt, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, core.ErrClaimNotFound
	}
	if err != nil {
		return rec, storage.Wrap("get fingerprint", err)
	}
	rec.Hash = hash
	rec.Owner = core.Sender(owner)
	rec.Status = core.FingerprintStatus(status)
	rec.ClaimedAt = rec.ClaimedAt.UTC()
	if recordedAt.Valid {
		rec.RecordedAt = recordedAt.Time.UTC()
	}
	if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
		return rec, storage.Wrap("decode fingerprint metadata", err)
	}
	return rec, nil
}

func (s *Store) Insert(ctx context.Context, hash core.Fingerprint, owner core.Sender, metadata map[string]string) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (hash, owner, status, metadata, claimed_at, recorded_at)
		VALUES ($1, $2, 'settled', $3, $4, $4)`,
		string(hash), string(owner), meta, now)
	return classifyInsert("insert fingerprint", err)
}

func (s *Store) Claim(ctx context.Context, c storage.Claim) error {
	if err := c.Owner.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (hash, owner, submission_id, status, claimed_at)
		VALUES ($1, $2, $3, 'pending', $4)`,
		string(c.Hash), string(c.Owner), c.SubmissionID, c.ClaimedAt.UTC())
	return classifyInsert("claim fingerprint", err)
}

func (s *Store) Settle(ctx context.Context, hash core.Fingerprint, st storage.Settlement) (total decimal.Decimal, err error) {
	if err := storage.ValidateSettlement(st); err != nil {
		return decimal.Zero, err
	}
	meta, err := encodeMetadata(st.Metadata)
	if err != nil {
		return decimal.Zero, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return decimal.Zero, storage.Wrap("begin settle", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE fingerprints
		SET status = 'settled', metadata = $1, recorded_at = $2
		WHERE hash = $3 AND owner = $4 AND status = 'pending'`,
		meta, st.SettledAt.UTC(), string(hash), string(st.Owner))
	if err != nil {
		return decimal.Zero, storage.Wrap("settle fingerprint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return decimal.Zero, storage.Wrap("settle fingerprint", err)
	}
	if n == 0 {
		err = core.ErrClaimNotFound
		return decimal.Zero, err
	}

	total = decimal.Zero
	if st.Accepted {
		if total, err = upsertLedger(ctx, tx, st.Owner, st.Period, st.Amount, st.SettledAt); err != nil {
			return decimal.Zero, err
		}
	}

	if err = tx.Commit(); err != nil {
		return decimal.Zero, storage.Wrap("commit settle", err)
	}
	return total, nil
}

func (s *Store) Release(ctx context.Context, hash core.Fingerprint, owner core.Sender) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE hash = $1 AND owner = $2 AND status = 'pending'`,
		string(hash), string(owner))
	if err != nil {
		return storage.Wrap("release claim", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap("release claim", err)
	}
	if n == 0 {
		return core.ErrClaimNotFound
	}
	return nil
}

func (s *Store) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE status = 'pending' AND claimed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, storage.Wrap("release stale claims", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("release stale claims", err)
	}
	return int(n), nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// upsertLedger relies on the row lock taken by ON CONFLICT DO UPDATE to
// serialize writers of the same (sender, period).
func upsertLedger(ctx context.Context, q rowQuerier, sender core.Sender, period core.Period, amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (sender, period, total, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sender, period) DO UPDATE
		SET total = ledger_entries.total + EXCLUDED.total,
		    updated_at = EXCLUDED.updated_at
		RETURNING total`,
		string(sender), string(period), amount, at.UTC()).Scan(&total)
	if err != nil {
		return decimal.Zero, storage.Wrap("upsert ledger entry", err)
	}
	return total, nil
}

func (s *Store) Accumulate(ctx context.Context, sender core.Sender, period core.Period, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := sender.Validate(); err != nil {
		return decimal.Zero, err
	}
	if err := period.Validate(); err != nil {
		return decimal.Zero, err
	}
	if err := core.ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	return upsertLedger(ctx, s.db, sender, period, amount, time.Now())
}

func (s *Store) Read(ctx context.Context, period core.Period) ([]core.LedgerEntry, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender, total FROM ledger_entries
		WHERE period = $1 AND total > 0
		ORDER BY sender`, string(period))
	if err != nil {
		return nil, storage.Wrap("read ledger", err)
	}
	defer rows.Close()

	var out []core.LedgerEntry
	for rows.Next() {
		var e core.LedgerEntry
		var sender string
		if err := rows.Scan(&sender, &e.Total); err != nil {
			return nil, storage.Wrap("scan ledger entry", err)
		}
		e.Sender = core.Sender(sender)
		e.Period = period
		out = append(out, e)
	}
	return out, storage.Wrap("read ledger", rows.Err())
}

func (s *Store) Total(ctx context.Context, sender core.Sender, period core.Period) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT total FROM ledger_entries WHERE sender = $1 AND period = $2`,
		string(sender), string(period)).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, storage.Wrap("read ledger total", err)
	}
	return total, nil
}

func (s *Store) History(ctx context.Context, sender core.Sender) ([]core.MonthTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT period, total FROM ledger_entries
		WHERE sender = $1 AND total > 0
		ORDER BY period DESC`, string(sender))
	if err != nil {
		return nil, storage.Wrap("read history", err)
	}
	defer rows.Close()

	out := []core.MonthTotal{}
	for rows.Next() {
		var m core.MonthTotal
		var period string
		if err := rows.Scan(&period, &m.Total); err != nil {
			return nil, storage.Wrap("scan history", err)
		}
		m.Period = core.Period(period)
		out = append(out, m)
	}
	return out, storage.Wrap("read history", rows.Err())
}

func (s *Store) RecordAudit(ctx context.Context, ev core.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, submission_id, sender, action, reason, fingerprint, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.SubmissionID, string(ev.Sender), string(ev.Action), ev.Reason, string(ev.Fingerprint), ev.OccurredAt.UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to record audit event",
			log.FieldSender, ev.Sender, log.FieldSubmissionID, ev.SubmissionID, log.FieldError, err)
		return storage.Wrap("record audit event", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, sender core.Sender, limit int) ([]core.AuditEvent, error) {
	query := `SELECT id, submission_id, sender, action, reason, fingerprint, occurred_at FROM audit_events`
	var args []any
	if sender != "" {
		args = append(args, string(sender))
		query += fmt.Sprintf(` WHERE sender = $%d`, len(args))
	}
	query += ` ORDER BY occurred_at DESC, seq DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap("list audit events", err)
	}
	defer rows.Close()

	var out []core.AuditEvent
	for rows.Next() {
		var (
			ev                  core.AuditEvent
			snd, action, fprint string
		)
		if err := rows.Scan(&ev.ID, &ev.SubmissionID, &snd, &action, &ev.Reason, &fprint, &ev.OccurredAt); err != nil {
			return nil, storage.Wrap("scan audit event", err)
		}
		ev.Sender = core.Sender(snd)
		ev.Action = core.AuditAction(action)
		ev.Fingerprint = core.Fingerprint(fprint)
		ev.OccurredAt = ev.OccurredAt.UTC()
		out = append(out, ev)
	}
	return out, storage.Wrap("list audit events", rows.Err())
}

func classifyInsert(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return core.ErrAlreadyExists
	}
	return storage.Wrap(op, err)
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}
