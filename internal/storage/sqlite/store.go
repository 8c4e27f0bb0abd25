// Package sqlite is the single-file storage.Store backed by modernc.org/sqlite.
//
// Ledger totals are kept as integer cents. Every write transaction starts
// with BEGIN IMMEDIATE so two settlements of the same ledger row serialize on
// the database write lock instead of failing on upgrade.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"tally/internal/core"
	"tally/internal/log"
	"tally/internal/storage"

	_ "modernc.org/sqlite"
)

type Store struct {
	db     *sql.DB
	logger *log.Logger
}

var _ storage.Store = (*Store)(nil)

// DSN turns a database path into a connection string with the pragmas the
// store relies on.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func New(ctx context.Context, dbPath string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := DSN(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, logger: logger.WithComponent(log.ComponentStorage)}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return storage.Wrap("ping sqlite", s.db.PingContext(ctx))
}

// DB exposes the pool for tests and maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Exists(ctx context.Context, hash core.Fingerprint) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM fingerprints WHERE hash = ?`, string(hash)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storage.Wrap("check fingerprint", err)
	}
	return true, nil
}

func (s *Store) Get(ctx context.Context, hash core.Fingerprint) (core.FingerprintRecord, error) {
	var (
		rec        core.FingerprintRecord
		owner      string
		status     string
		metadata   string
		claimedAt  int64
		recordedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner, submission_id, status, metadata, claimed_at, recorded_at
		FROM fingerprints WHERE hash = ?`, string(hash)).
		Scan(&owner, &rec.SubmissionID, &status, &metadata, &claimedAt, &recordedAt)
	if err == sql.ErrNoRows {
		return rec, core.ErrClaimNotFound
	}
	if err != nil {
		return rec, storage.Wrap("get fingerprint", err)
	}
	rec.Hash = hash
	rec.Owner = core.Sender(owner)
	rec.Status = core.FingerprintStatus(status)
	rec.ClaimedAt = fromUnix(claimedAt)
	if recordedAt.Valid {
		rec.RecordedAt = fromUnix(recordedAt.Int64)
	}
	if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
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
	now := toUnix(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (hash, owner, status, metadata, claimed_at, recorded_at)
		VALUES (?, ?, 'settled', ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING`,
		string(hash), string(owner), meta, now, now)
	if err != nil {
		return storage.Wrap("insert fingerprint", err)
	}
	return conflictIfUnchanged(res)
}

func (s *Store) Claim(ctx context.Context, c storage.Claim) error {
	if err := c.Owner.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (hash, owner, submission_id, status, claimed_at)
		VALUES (?, ?, ?, 'pending', ?)
		ON CONFLICT(hash) DO NOTHING`,
		string(c.Hash), string(c.Owner), c.SubmissionID, toUnix(c.ClaimedAt))
	if err != nil {
		return storage.Wrap("claim fingerprint", err)
	}
	return conflictIfUnchanged(res)
}

func (s *Store) Settle(ctx context.Context, hash core.Fingerprint, st storage.Settlement) (total decimal.Decimal, err error) {
	if err := storage.ValidateSettlement(st); err != nil {
		return decimal.Zero, err
	}
	var cents int64
	if st.Accepted {
		if cents, err = core.ToCents(st.Amount); err != nil {
			return decimal.Zero, err
		}
	}
	meta, err := encodeMetadata(st.Metadata)
	if err != nil {
		return decimal.Zero, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
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
		SET status = 'settled', metadata = ?, recorded_at = ?
		WHERE hash = ? AND owner = ? AND status = 'pending'`,
		meta, toUnix(st.SettledAt), string(hash), string(st.Owner))
	if err != nil {
		return decimal.Zero, storage.Wrap("settle fingerprint", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return decimal.Zero, storage.Wrap("settle fingerprint", err)
	} else if n == 0 {
		return decimal.Zero, core.ErrClaimNotFound
	}

	var newCents int64
	if st.Accepted {
		newCents, err = upsertLedger(ctx, tx, st.Owner, st.Period, cents, st.SettledAt)
		if err != nil {
			return decimal.Zero, err
		}
	}

	if err = tx.Commit(); err != nil {
		return decimal.Zero, storage.Wrap("commit settle", err)
	}
	return core.FromCents(newCents), nil
}

func (s *Store) Release(ctx context.Context, hash core.Fingerprint, owner core.Sender) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE hash = ? AND owner = ? AND status = 'pending'`,
		string(hash), string(owner))
	if err != nil {
		return storage.Wrap("release claim", err)
	}
	return notFoundIfUnchanged(res)
}

func (s *Store) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE status = 'pending' AND claimed_at < ?`, toUnix(cutoff))
	if err != nil {
		return 0, storage.Wrap("release stale claims", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("release stale claims", err)
	}
	return int(n), nil
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertLedger(ctx context.Context, q execQuerier, sender core.Sender, period core.Period, cents int64, at time.Time) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (sender, period, total_cents, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sender, period) DO UPDATE
		SET total_cents = total_cents + excluded.total_cents,
		    updated_at = excluded.updated_at
		RETURNING total_cents`,
		string(sender), string(period), cents, toUnix(at)).Scan(&total)
	if err != nil {
		return 0, storage.Wrap("upsert ledger entry", err)
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
	cents, err := core.ToCents(amount)
	if err != nil {
		return decimal.Zero, err
	}
	total, err := upsertLedger(ctx, s.db, sender, period, cents, time.Now())
	if err != nil {
		return decimal.Zero, err
	}
	return core.FromCents(total), nil
}

func (s *Store) Read(ctx context.Context, period core.Period) ([]core.LedgerEntry, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender, total_cents FROM ledger_entries
		WHERE period = ? AND total_cents > 0
		ORDER BY sender`, string(period))
	if err != nil {
		return nil, storage.Wrap("read ledger", err)
	}
	defer rows.Close()

	var out []core.LedgerEntry
	for rows.Next() {
		var sender string
		var cents int64
		if err := rows.Scan(&sender, &cents); err != nil {
			return nil, storage.Wrap("scan ledger entry", err)
		}
		out = append(out, core.LedgerEntry{Sender: core.Sender(sender), Period: period, Total: core.FromCents(cents)})
	}
	return out, storage.Wrap("read ledger", rows.Err())
}

func (s *Store) Total(ctx context.Context, sender core.Sender, period core.Period) (decimal.Decimal, error) {
	var cents int64
	err := s.db.QueryRowContext(ctx,
		`SELECT total_cents FROM ledger_entries WHERE sender = ? AND period = ?`,
		string(sender), string(period)).Scan(&cents)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, storage.Wrap("read ledger total", err)
	}
	return core.FromCents(cents), nil
}

func (s *Store) History(ctx context.Context, sender core.Sender) ([]core.MonthTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT period, total_cents FROM ledger_entries
		WHERE sender = ? AND total_cents > 0
		ORDER BY period DESC`, string(sender))
	if err != nil {
		return nil, storage.Wrap("read history", err)
	}
	defer rows.Close()

	out := []core.MonthTotal{}
	for rows.Next() {
		var period string
		var cents int64
		if err := rows.Scan(&period, &cents); err != nil {
			return nil, storage.Wrap("scan history", err)
		}
		out = append(out, core.MonthTotal{Period: core.Period(period), Total: core.FromCents(cents)})
	}
	return out, storage.Wrap("read history", rows.Err())
}

func (s *Store) RecordAudit(ctx context.Context, ev core.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, submission_id, sender, action, reason, fingerprint, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SubmissionID, string(ev.Sender), string(ev.Action), ev.Reason, string(ev.Fingerprint), toUnix(ev.OccurredAt))
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
		query += ` WHERE sender = ?`
		args = append(args, string(sender))
	}
	query += ` ORDER BY occurred_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
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
			occurredAt          int64
		)
		if err := rows.Scan(&ev.ID, &ev.SubmissionID, &snd, &action, &ev.Reason, &fprint, &occurredAt); err != nil {
			return nil, storage.Wrap("scan audit event", err)
		}
		ev.Sender = core.Sender(snd)
		ev.Action = core.AuditAction(action)
		ev.Fingerprint = core.Fingerprint(fprint)
		ev.OccurredAt = fromUnix(occurredAt)
		out = append(out, ev)
	}
	return out, storage.Wrap("list audit events", rows.Err())
}

func conflictIfUnchanged(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap("rows affected", err)
	}
	if n == 0 {
		return core.ErrAlreadyExists
	}
	return nil
}

func notFoundIfUnchanged(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Wrap("rows affected", err)
	}
	if n == 0 {
		return core.ErrClaimNotFound
	}
	return nil
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

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
