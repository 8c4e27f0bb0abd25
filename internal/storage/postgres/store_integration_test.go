//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"tally/internal/core"
	"tally/internal/log"
	"tally/internal/storage"
	"tally/internal/storage/postgres"
	"tally/internal/storage/storagetest"
)

type PostgresStoreSuite struct {
	suite.Suite
	container *tcpostgres.PostgresContainer
	db        *sql.DB
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("tally"),
		tcpostgres.WithUsername("tally"),
		tcpostgres.WithPassword("tally"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	store, err := postgres.Open(ctx, dsn, log.Discard())
	s.Require().NoError(err)
	_ = store.Close()

	s.db, err = sql.Open("postgres", dsn)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.container != nil {
		_ = testcontainers.TerminateContainer(s.container)
	}
}

func (s *PostgresStoreSuite) truncate(t *testing.T) {
	_, err := s.db.Exec(`TRUNCATE fingerprints, ledger_entries, audit_events`)
	require.NoError(t, err)
}

// nopCloser keeps the shared pool open when the conformance suite closes a store.
type nopCloser struct{ *postgres.Store }

func (nopCloser) Close() error { return nil }

func (s *PostgresStoreSuite) TestConformance() {
	storagetest.Run(s.T(), func(t *testing.T) storage.Store {
		s.truncate(t)
		return nopCloser{postgres.New(s.db, log.Discard())}
	})
}

func (s *PostgresStoreSuite) TestSettleRollsBackOnLedgerFailure() {
	s.truncate(s.T())
	ctx := context.Background()
	store := postgres.New(s.db, log.Discard())

	_, err := s.db.Exec(`
		CREATE OR REPLACE FUNCTION fail_ledger() RETURNS trigger AS $$
		BEGIN RAISE EXCEPTION 'injected failure'; END; $$ LANGUAGE plpgsql`)
	s.Require().NoError(err)
	_, err = s.db.Exec(`CREATE TRIGGER fail_ledger BEFORE INSERT ON ledger_entries FOR EACH ROW EXECUTE FUNCTION fail_ledger()`)
	s.Require().NoError(err)
	defer func() {
		_, _ = s.db.Exec(`DROP TRIGGER IF EXISTS fail_ledger ON ledger_entries`)
	}()

	h := core.FingerprintOf([]byte("crash"))
	s.Require().NoError(store.Claim(ctx, storage.Claim{Hash: h, Owner: "+15550000001", ClaimedAt: time.Now()}))
	_, err = store.Settle(ctx, h, storage.Settlement{
		Owner: "+15550000001", Period: "2025-10", Amount: decimal.RequireFromString("5.00"), Accepted: true, SettledAt: time.Now(),
	})
	s.Require().ErrorIs(err, core.ErrStorage)

	rec, err := store.Get(ctx, h)
	s.Require().NoError(err)
	s.Equal(core.FingerprintPending, rec.Status)

	entries, err := store.Read(ctx, "2025-10")
	s.Require().NoError(err)
	s.Empty(entries)
}
