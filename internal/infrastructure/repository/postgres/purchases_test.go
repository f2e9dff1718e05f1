package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment-worker/internal/domain"
)

type fakeRow struct {
	exists bool
}

func (r fakeRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = r.exists
	return nil
}

type fakeQuerier struct {
	calls  int
	exists bool
}

func (q *fakeQuerier) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	q.calls++
	return fakeRow{exists: q.exists}
}

func TestIndexCheck_CachesWithinTTL(t *testing.T) {
	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	q := &fakeQuerier{exists: true}
	check := NewIndexCheck(5*time.Minute, clock)

	for i := 0; i < 10; i++ {
		present, err := check.present(context.Background(), q)
		require.NoError(t, err)
		assert.True(t, present)
	}
	assert.Equal(t, 1, q.calls, "repeated checks within the TTL hit the cache")
}

func TestIndexCheck_ReChecksAfterTTL(t *testing.T) {
	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	q := &fakeQuerier{exists: false}
	check := NewIndexCheck(5*time.Minute, clock)

	present, err := check.present(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, present)

	// Index gets created by a migration; the cache notices after the TTL.
	q.exists = true
	now = now.Add(6 * time.Minute)

	present, err = check.present(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, 2, q.calls)
}

// txState is the durable database state shared across scripted
// transactions: only Commit makes staged writes visible here.
type txState struct {
	ledger    map[string]bool
	active    map[string]string // student:course -> purchase id
	insertErr error
}

func newTxState() *txState {
	return &txState{
		ledger: make(map[string]bool),
		active: make(map[string]string),
	}
}

type scriptedConn struct {
	state *txState
}

func (c *scriptedConn) Begin(_ context.Context) (pgx.Tx, error) {
	return &scriptedTx{
		state:        c.state,
		stagedLedger: make(map[string]bool),
		stagedActive: make(map[string]string),
	}, nil
}

// scriptedTx stages writes and applies them on Commit, so rollback
// semantics — the claim disappearing with a failed business insert — are
// observable in txState.
type scriptedTx struct {
	state        *txState
	stagedLedger map[string]bool
	stagedActive map[string]string
	committed    bool
}

func (tx *scriptedTx) lookup(pair string) string {
	if id, ok := tx.stagedActive[pair]; ok {
		return id
	}
	return tx.state.active[pair]
}

func (tx *scriptedTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "pg_advisory_xact_lock"):
		return pgconn.NewCommandTag("SELECT 1"), nil

	case strings.Contains(sql, "INSERT INTO processed_events"):
		key := fmt.Sprintf("%v|%v", args[2], args[1])
		if tx.state.ledger[key] || tx.stagedLedger[key] {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		tx.stagedLedger[key] = true
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case strings.Contains(sql, "INSERT INTO purchases"):
		if tx.state.insertErr != nil {
			return pgconn.CommandTag{}, tx.state.insertErr
		}
		pair := fmt.Sprintf("%v:%v", args[1], args[2])
		if strings.Contains(sql, "ON CONFLICT") && tx.lookup(pair) != "" {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		tx.stagedActive[pair] = args[0].(string)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unexpected exec: %s", sql)
}

func (tx *scriptedTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "SELECT id FROM purchases") {
		pair := fmt.Sprintf("%v:%v", args[0], args[1])
		if id := tx.lookup(pair); id != "" {
			return idRow{id: id}
		}
		return idRow{err: pgx.ErrNoRows}
	}
	return idRow{err: fmt.Errorf("unexpected query: %s", sql)}
}

func (tx *scriptedTx) Commit(_ context.Context) error {
	for k := range tx.stagedLedger {
		tx.state.ledger[k] = true
	}
	for k, v := range tx.stagedActive {
		tx.state.active[k] = v
	}
	tx.committed = true
	return nil
}

func (tx *scriptedTx) Rollback(_ context.Context) error {
	if tx.committed {
		return pgx.ErrTxClosed
	}
	tx.stagedLedger = make(map[string]bool)
	tx.stagedActive = make(map[string]string)
	return nil
}

func (tx *scriptedTx) Begin(_ context.Context) (pgx.Tx, error) {
	return nil, errors.New("nested transactions not supported")
}

func (tx *scriptedTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not supported")
}

func (tx *scriptedTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }

func (tx *scriptedTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (tx *scriptedTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not supported")
}

func (tx *scriptedTx) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (tx *scriptedTx) Conn() *pgx.Conn { return nil }

type idRow struct {
	id  string
	err error
}

func (r idRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.id
	return nil
}

func testPurchaseRepo() *PurchaseRepository {
	return &PurchaseRepository{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func testPurchase() domain.Purchase {
	return domain.Purchase{ID: "p-1", StudentID: "s1", CourseID: "c1", Tier: 10, IsActive: true}
}

func testEnvelope() domain.Envelope {
	return domain.Envelope{
		EventID:       "e-1",
		CorrelationID: "pay-1",
		EventType:     domain.EventPurchaseConfirmed,
	}
}

func bothIndexPaths(t *testing.T, run func(t *testing.T, indexPresent bool)) {
	t.Run("with unique index", func(t *testing.T) { run(t, true) })
	t.Run("advisory lock fallback", func(t *testing.T) { run(t, false) })
}

// Both insert paths must leave the database in the same state: one active
// purchase, one ledger row, same returned id.
func TestCreateInTx_BothPathsReachSameState(t *testing.T) {
	bothIndexPaths(t, func(t *testing.T, indexPresent bool) {
		state := newTxState()

		id, already, err := testPurchaseRepo().createInTx(
			context.Background(), &scriptedConn{state: state}, testEnvelope(), testPurchase(), indexPresent)

		require.NoError(t, err)
		assert.False(t, already)
		assert.Equal(t, "p-1", id)
		assert.Equal(t, "p-1", state.active["s1:c1"])
		assert.True(t, state.ledger["pay-1|PURCHASE_CONFIRMED"])
	})
}

func TestCreateInTx_ConcurrentWinnerRowIsReused(t *testing.T) {
	bothIndexPaths(t, func(t *testing.T, indexPresent bool) {
		state := newTxState()
		state.active["s1:c1"] = "p-0"

		id, already, err := testPurchaseRepo().createInTx(
			context.Background(), &scriptedConn{state: state}, testEnvelope(), testPurchase(), indexPresent)

		require.NoError(t, err)
		assert.False(t, already)
		assert.Equal(t, "p-0", id, "existing active row wins, no second purchase")
		assert.Equal(t, "p-0", state.active["s1:c1"])
	})
}

func TestCreateInTx_DuplicateEventClaimShortCircuits(t *testing.T) {
	bothIndexPaths(t, func(t *testing.T, indexPresent bool) {
		state := newTxState()
		state.ledger["pay-1|PURCHASE_CONFIRMED"] = true

		id, already, err := testPurchaseRepo().createInTx(
			context.Background(), &scriptedConn{state: state}, testEnvelope(), testPurchase(), indexPresent)

		require.NoError(t, err)
		assert.True(t, already)
		assert.Empty(t, id)
		assert.Empty(t, state.active, "already-processed event must not write a purchase")
	})
}

func TestCreateInTx_FailedInsertRollsBackClaim(t *testing.T) {
	bothIndexPaths(t, func(t *testing.T, indexPresent bool) {
		state := newTxState()
		state.insertErr = &pgconn.PgError{Code: "40P01"}

		_, _, err := testPurchaseRepo().createInTx(
			context.Background(), &scriptedConn{state: state}, testEnvelope(), testPurchase(), indexPresent)

		require.Error(t, err)
		assert.Empty(t, state.ledger, "claim must vanish with the failed business insert")
		assert.Empty(t, state.active)
	})
}
