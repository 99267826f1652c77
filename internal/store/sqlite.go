package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meridian/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ IntentStore = (*SQLiteStore)(nil)

// tsLayout is fixed-width so that text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	run_id      TEXT PRIMARY KEY,
	mode        TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	symbols     TEXT NOT NULL,
	started_ts  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS order_intents(
	client_order_id TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             REAL NOT NULL,
	order_type      TEXT NOT NULL,
	status          TEXT NOT NULL,
	broker_order_id TEXT,
	fingerprint     TEXT NOT NULL,
	position_before REAL NOT NULL DEFAULT 0,
	created_ts      TEXT NOT NULL,
	updated_ts      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_intents_status ON order_intents(status);
CREATE INDEX IF NOT EXISTS idx_order_intents_fingerprint ON order_intents(fingerprint);
`

const intentColumns = `client_order_id, run_id, symbol, side, qty, order_type, status,
	broker_order_id, fingerprint, position_before, created_ts, updated_ts`

// SQLiteStore implements IntentStore backed by a single SQLite file. It is
// meant to have exactly one writer process.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creating
// parent directories and the schema as needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(tsLayout)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// RecordRun inserts (or replaces) the metadata row for a run.
func (s *SQLiteStore) RecordRun(ctx context.Context, run Run) error {
	started := run.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs(run_id, mode, strategy_id, symbols, started_ts)
		VALUES(?, ?, ?, ?, ?)`,
		run.RunID, string(run.Mode), run.StrategyID, strings.Join(run.Symbols, ","),
		started.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", run.RunID, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first, up to limit.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, mode, strategy_id, symbols, started_ts
		FROM runs ORDER BY started_ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var mode, syms, ts string
		if err := rows.Scan(&r.RunID, &mode, &r.StrategyID, &syms, &ts); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Mode = domain.Mode(mode)
		if syms != "" {
			r.Symbols = strings.Split(syms, ",")
		}
		r.StartedAt, _ = time.Parse(tsLayout, ts)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ---------------------------------------------------------------------------
// Intents
// ---------------------------------------------------------------------------

// SaveIntendedOrder persists a new intent in state "intended".
func (s *SQLiteStore) SaveIntendedOrder(ctx context.Context, runID string, req domain.OrderRequest, positionBefore float64) error {
	if req.ClientOrderID == "" {
		return fmt.Errorf("saving intent for %s: client order id is required", req)
	}
	orderType := req.OrderType
	if orderType == "" {
		orderType = domain.DefaultOrderType
	}
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_intents(`+intentColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?)`,
		req.ClientOrderID, runID, domain.NormalizeSymbol(req.Symbol), string(req.Side), req.Qty,
		orderType, string(StatusIntended), Fingerprint(req.Symbol, req.Side, req.Qty),
		positionBefore, now, now,
	)
	if err != nil {
		return fmt.Errorf("saving intent %s: %w", req.ClientOrderID, err)
	}
	return nil
}

// MarkSubmitted stores the broker order id and the normalized broker status.
func (s *SQLiteStore) MarkSubmitted(ctx context.Context, clientOrderID, brokerOrderID, status string) error {
	normalized := NormalizeSubmissionStatus(status)
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_intents
		SET broker_order_id = ?, status = ?, updated_ts = ?
		WHERE client_order_id = ?`,
		nullable(brokerOrderID), string(normalized), s.timestamp(), clientOrderID,
	)
	if err != nil {
		return fmt.Errorf("marking %s submitted: %w", clientOrderID, err)
	}
	return expectRow(res, clientOrderID)
}

// MarkReconciled sets the status decided by reconciliation.
func (s *SQLiteStore) MarkReconciled(ctx context.Context, clientOrderID string, status IntentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_intents SET status = ?, updated_ts = ?
		WHERE client_order_id = ?`,
		string(status), s.timestamp(), clientOrderID,
	)
	if err != nil {
		return fmt.Errorf("marking %s %s: %w", clientOrderID, status, err)
	}
	return expectRow(res, clientOrderID)
}

// ListActiveIntents returns intended/submitted intents, oldest first.
func (s *SQLiteStore) ListActiveIntents(ctx context.Context) ([]OrderIntentRecord, error) {
	return s.queryIntents(ctx, `
		SELECT `+intentColumns+` FROM order_intents
		WHERE status IN ('intended', 'submitted')
		ORDER BY created_ts ASC, rowid ASC`)
}

// ListIntents returns the most recent intents regardless of status, newest
// first, up to limit.
func (s *SQLiteStore) ListIntents(ctx context.Context, limit int) ([]OrderIntentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryIntents(ctx, `
		SELECT `+intentColumns+` FROM order_intents
		ORDER BY created_ts DESC, rowid DESC LIMIT ?`, limit)
}

// GetIntent returns a single intent by client order id.
func (s *SQLiteStore) GetIntent(ctx context.Context, clientOrderID string) (*OrderIntentRecord, error) {
	recs, err := s.queryIntents(ctx, `
		SELECT `+intentColumns+` FROM order_intents WHERE client_order_id = ?`, clientOrderID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("intent %s: %w", clientOrderID, ErrNotFound)
	}
	return &recs[0], nil
}

// HasActiveIntent reports whether an intended/submitted intent with the same
// fingerprint exists.
func (s *SQLiteStore) HasActiveIntent(ctx context.Context, symbol string, side domain.OrderSide, qty float64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM order_intents
		WHERE fingerprint = ? AND status IN ('intended', 'submitted')
		LIMIT 1`,
		Fingerprint(symbol, side, qty),
	).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("checking active intent: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) queryIntents(ctx context.Context, query string, args ...any) ([]OrderIntentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying intents: %w", err)
	}
	defer rows.Close()

	var out []OrderIntentRecord
	for rows.Next() {
		var (
			r                OrderIntentRecord
			side, status     string
			brokerID         sql.NullString
			created, updated string
		)
		if err := rows.Scan(&r.ClientOrderID, &r.RunID, &r.Symbol, &side, &r.Qty, &r.OrderType,
			&status, &brokerID, &r.Fingerprint, &r.PositionBefore, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning intent: %w", err)
		}
		r.Side = domain.OrderSide(side)
		r.Status = IntentStatus(status)
		r.BrokerOrderID = brokerID.String
		r.CreatedAt, _ = time.Parse(tsLayout, created)
		r.UpdatedAt, _ = time.Parse(tsLayout, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func expectRow(res sql.Result, clientOrderID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("intent %s: %w", clientOrderID, ErrNotFound)
	}
	return nil
}
