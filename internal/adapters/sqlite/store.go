package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tradeagent/internal/domain"
	"tradeagent/internal/ports"

	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store implements ports.TradeRecordRepository and ports.SnapshotRepository
// using SQLite. One database file per agent namespace.
type Store struct {
	db     *sql.DB
	logger ports.Logger

	// Closed trades before this instant are excluded from the Sharpe
	// ratio. Set to the account's funding-reset point.
	sharpeCutoff time.Time
}

// Config holds configuration for the SQLite store.
type Config struct {
	DBPath       string
	Logger       ports.Logger
	SharpeCutoff time.Time
}

// NewStore creates a new SQLite store instance.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite store")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trade_ledger.db"
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally, but the Go driver benefits
	// from a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db, logger: cfg.Logger, sharpeCutoff: cfg.SharpeCutoff}

	if err := store.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite store initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Trade ledger opened", map[string]interface{}{"path": dbPath})

	return store, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trade_records (
		position_id TEXT PRIMARY KEY,
		coin TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		margin REAL NOT NULL,
		fees REAL NOT NULL DEFAULT 0,
		partial_pnl REAL NOT NULL DEFAULT 0,
		confidence INTEGER NOT NULL DEFAULT 0,
		exit_plan TEXT DEFAULT NULL,
		status TEXT NOT NULL,
		sl_order_id TEXT DEFAULT NULL,
		tp_order_id TEXT DEFAULT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		exit_price REAL DEFAULT NULL,
		net_pnl REAL DEFAULT NULL,
		close_reason TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS account_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time TIMESTAMP NOT NULL,
		account_value REAL NOT NULL,
		unrealized_pnl REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		win_rate REAL NOT NULL,
		sharpe_ratio REAL NOT NULL,
		open_positions INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trade_records_coin_side_status ON trade_records (coin, side, status);
	CREATE INDEX IF NOT EXISTS idx_account_snapshots_time ON account_snapshots (time);
	`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		s.logger.Info(context.Background(), "Closing trade ledger")
		return s.db.Close()
	}
	return nil
}

// --- TradeRecordRepository Implementation ---

// Save upserts a record keyed by its PositionID. Calling it twice with the
// same record is a no-op, which keeps crash-retry paths safe.
func (s *Store) Save(ctx context.Context, rec *domain.TradeRecord) error {
	const query = `
	INSERT INTO trade_records (position_id, coin, side, entry_price, quantity, leverage, margin, fees,
	                           partial_pnl, confidence, exit_plan, status, sl_order_id, tp_order_id, entry_time,
	                           exit_time, exit_price, net_pnl, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(position_id) DO UPDATE SET
		coin = excluded.coin, side = excluded.side, entry_price = excluded.entry_price,
		quantity = excluded.quantity, leverage = excluded.leverage, margin = excluded.margin,
		fees = excluded.fees, partial_pnl = excluded.partial_pnl, confidence = excluded.confidence, exit_plan = excluded.exit_plan,
		status = excluded.status, sl_order_id = excluded.sl_order_id, tp_order_id = excluded.tp_order_id,
		entry_time = excluded.entry_time, exit_time = excluded.exit_time,
		exit_price = excluded.exit_price, net_pnl = excluded.net_pnl, close_reason = excluded.close_reason`

	exitPlan, err := marshalExitPlan(rec.ExitPlan)
	if err != nil {
		return fmt.Errorf("failed to encode exit plan for %s: %w", rec.PositionID, err)
	}

	var exitTime sql.NullTime
	if !rec.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: rec.ExitTime, Valid: true}
	}
	var exitPrice sql.NullFloat64
	if rec.ExitPrice != 0 {
		exitPrice = sql.NullFloat64{Float64: rec.ExitPrice, Valid: true}
	}
	var netPNL sql.NullFloat64
	if rec.NetPNL != nil {
		netPNL = sql.NullFloat64{Float64: *rec.NetPNL, Valid: true}
	}
	var closeReason sql.NullString
	if rec.CloseReason != "" {
		closeReason = sql.NullString{String: string(rec.CloseReason), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, query,
		rec.PositionID, rec.Coin, rec.Side, rec.EntryPrice, rec.Quantity, rec.Leverage, rec.Margin, rec.Fees,
		rec.PartialPNL, rec.Confidence, exitPlan, rec.Status, nullableString(rec.StopLossOrderID), nullableString(rec.TakeProfitOrderID),
		rec.EntryTime, exitTime, exitPrice, netPNL, closeReason)
	if err != nil {
		return fmt.Errorf("failed to save trade record %s: %w", rec.PositionID, err)
	}
	s.logger.Debug(ctx, "Trade record saved", map[string]interface{}{"positionID": rec.PositionID, "coin": rec.Coin, "side": rec.Side})
	return nil
}

// Update applies a partial update to an existing record.
func (s *Store) Update(ctx context.Context, positionID string, upd ports.TradeRecordUpdate) error {
	sets := make([]string, 0, 8)
	args := make([]interface{}, 0, 8)

	if upd.Quantity != nil {
		sets = append(sets, "quantity = ?")
		args = append(args, *upd.Quantity)
	}
	if upd.Margin != nil {
		sets = append(sets, "margin = ?")
		args = append(args, *upd.Margin)
	}
	if upd.Fees != nil {
		sets = append(sets, "fees = ?")
		args = append(args, *upd.Fees)
	}
	if upd.PartialPNL != nil {
		sets = append(sets, "partial_pnl = ?")
		args = append(args, *upd.PartialPNL)
	}
	if upd.ClearExitPlan {
		sets = append(sets, "exit_plan = NULL")
	} else if upd.ExitPlan != nil {
		encoded, err := marshalExitPlan(upd.ExitPlan)
		if err != nil {
			return fmt.Errorf("failed to encode exit plan for %s: %w", positionID, err)
		}
		sets = append(sets, "exit_plan = ?")
		args = append(args, encoded)
	}
	if upd.StopLossOrderID != nil {
		sets = append(sets, "sl_order_id = ?")
		args = append(args, *upd.StopLossOrderID)
	}
	if upd.TakeProfitOrderID != nil {
		sets = append(sets, "tp_order_id = ?")
		args = append(args, *upd.TakeProfitOrderID)
	}
	if upd.ExitPrice != nil {
		sets = append(sets, "exit_price = ?")
		args = append(args, *upd.ExitPrice)
	}
	if upd.ExitTime != nil {
		sets = append(sets, "exit_time = ?")
		args = append(args, *upd.ExitTime)
	}
	if upd.NetPNL != nil {
		sets = append(sets, "net_pnl = ?")
		args = append(args, *upd.NetPNL)
	}
	if upd.CloseReason != nil {
		sets = append(sets, "close_reason = ?")
		args = append(args, string(*upd.CloseReason))
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE trade_records SET " + strings.Join(sets, ", ") + " WHERE position_id = ?"
	args = append(args, positionID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update trade record %s: %w", positionID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update of %s: %w", positionID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade record %s not found for update: %w", positionID, ports.ErrNotFound)
	}
	s.logger.Debug(ctx, "Trade record updated", map[string]interface{}{"positionID": positionID})
	return nil
}

// UpdateStatus transitions a record's status. The WHERE clause refuses to
// reopen a closed record, keeping status monotonic.
func (s *Store) UpdateStatus(ctx context.Context, positionID string, status domain.PositionStatus) error {
	query := `UPDATE trade_records SET status = ? WHERE position_id = ?`
	args := []interface{}{status, positionID}
	if status == domain.StatusOpen {
		query += ` AND status = ?`
		args = append(args, domain.StatusOpen)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update status of trade record %s: %w", positionID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for status update of %s: %w", positionID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade record %s not found or already closed: %w", positionID, ports.ErrUpdateFailed)
	}
	return nil
}

const recordColumns = `position_id, coin, side, entry_price, quantity, leverage, margin, fees,
       partial_pnl, confidence, exit_plan, status, sl_order_id, tp_order_id, entry_time,
       exit_time, COALESCE(exit_price, 0), net_pnl, close_reason`

// Get retrieves a record by its position ID. Returns nil, nil when absent.
func (s *Store) Get(ctx context.Context, positionID string) (*domain.TradeRecord, error) {
	query := "SELECT " + recordColumns + " FROM trade_records WHERE position_id = ?"
	row := s.db.QueryRowContext(ctx, query, positionID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query trade record %s: %w: %w", positionID, ports.ErrQueryFailed, err)
	}
	return rec, nil
}

// GetOpenByCoinSide retrieves the open record for one book, if any.
func (s *Store) GetOpenByCoinSide(ctx context.Context, coin string, side domain.Side) (*domain.TradeRecord, error) {
	query := "SELECT " + recordColumns + " FROM trade_records WHERE coin = ? AND side = ? AND status = ?"
	row := s.db.QueryRowContext(ctx, query, coin, side, domain.StatusOpen)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open record for %s %s: %w: %w", coin, side, ports.ErrQueryFailed, err)
	}
	return rec, nil
}

// GetAll retrieves every record, ordered by entry time descending.
func (s *Store) GetAll(ctx context.Context) ([]*domain.TradeRecord, error) {
	return s.queryRecords(ctx, "SELECT "+recordColumns+" FROM trade_records ORDER BY entry_time DESC")
}

// GetOpen retrieves all open records.
func (s *Store) GetOpen(ctx context.Context) ([]*domain.TradeRecord, error) {
	return s.queryRecords(ctx, "SELECT "+recordColumns+" FROM trade_records WHERE status = ? ORDER BY entry_time DESC", domain.StatusOpen)
}

// GetClosed retrieves all closed records.
func (s *Store) GetClosed(ctx context.Context) ([]*domain.TradeRecord, error) {
	return s.queryRecords(ctx, "SELECT "+recordColumns+" FROM trade_records WHERE status = ? ORDER BY entry_time DESC", domain.StatusClosed)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade records: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	records := make([]*domain.TradeRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade record: %w", err)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade record rows: %w", err)
	}
	return records, nil
}

// --- Aggregate Queries ---

// TotalRealizedPnL sums net PNL over all closed records.
func (s *Store) TotalRealizedPnL(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(net_pnl), 0) FROM trade_records WHERE status = ?`
	var total float64
	if err := s.db.QueryRowContext(ctx, query, domain.StatusClosed).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to calculate total realized pnl: %w: %w", ports.ErrQueryFailed, err)
	}
	return total, nil
}

// TotalFees sums accumulated fees over every record.
func (s *Store) TotalFees(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(fees), 0) FROM trade_records`
	var total float64
	if err := s.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to calculate total fees: %w: %w", ports.ErrQueryFailed, err)
	}
	return total, nil
}

// WinRate is count(net_pnl > 0) / count(closed). 0 with no closed trades.
func (s *Store) WinRate(ctx context.Context) (float64, error) {
	const query = `
	SELECT COUNT(*), COALESCE(SUM(CASE WHEN net_pnl > 0 THEN 1 ELSE 0 END), 0)
	FROM trade_records WHERE status = ?`
	var total, wins int
	if err := s.db.QueryRowContext(ctx, query, domain.StatusClosed).Scan(&total, &wins); err != nil {
		return 0, fmt.Errorf("failed to calculate win rate: %w: %w", ports.ErrQueryFailed, err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(wins) / float64(total), nil
}

// AverageLeverage averages leverage over all records.
func (s *Store) AverageLeverage(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(AVG(leverage), 0) FROM trade_records`
	var avg float64
	if err := s.db.QueryRowContext(ctx, query).Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to calculate average leverage: %w: %w", ports.ErrQueryFailed, err)
	}
	return avg, nil
}

// SharpeRatio computes per-trade return (net_pnl / margin) over closed
// trades after the cutoff, optionally extended with the caller-supplied
// unrealized returns of open positions, then annualizes mean/stddev by
// sqrt(365). Returns 0 with fewer than 2 data points or zero deviation.
func (s *Store) SharpeRatio(ctx context.Context, openReturns []float64) (float64, error) {
	const query = `
	SELECT net_pnl, margin FROM trade_records
	WHERE status = ? AND net_pnl IS NOT NULL AND margin > 0 AND exit_time >= ?`

	rows, err := s.db.QueryContext(ctx, query, domain.StatusClosed, s.sharpeCutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to query returns for sharpe ratio: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	returns := make([]float64, 0, 32)
	for rows.Next() {
		var pnl, margin float64
		if err := rows.Scan(&pnl, &margin); err != nil {
			return 0, fmt.Errorf("failed to scan return row: %w", err)
		}
		returns = append(returns, pnl/margin)
	}
	if err = rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating return rows: %w", err)
	}
	returns = append(returns, openReturns...)

	if len(returns) < 2 {
		return 0, nil
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	stddev := math.Sqrt(variance / float64(len(returns)))
	if stddev == 0 {
		return 0, nil
	}
	return mean / stddev * math.Sqrt(365), nil
}

// --- SnapshotRepository Implementation ---

// SaveSnapshot appends one snapshot point to the reporting series.
func (s *Store) SaveSnapshot(ctx context.Context, snap *domain.AccountSnapshot) error {
	const query = `
	INSERT INTO account_snapshots (time, account_value, unrealized_pnl, realized_pnl, win_rate, sharpe_ratio, open_positions)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		snap.Time, snap.AccountValue, snap.UnrealizedPNL, snap.RealizedPNL, snap.WinRate, snap.SharpeRatio, snap.OpenPositions)
	if err != nil {
		return fmt.Errorf("failed to insert account snapshot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID for snapshot: %w", err)
	}
	snap.ID = id
	return nil
}

// RecentSnapshots retrieves the latest snapshots, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, limit int) ([]*domain.AccountSnapshot, error) {
	const query = `
	SELECT id, time, account_value, unrealized_pnl, realized_pnl, win_rate, sharpe_ratio, open_positions
	FROM account_snapshots ORDER BY time DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query account snapshots: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	snaps := make([]*domain.AccountSnapshot, 0, limit)
	for rows.Next() {
		snap := &domain.AccountSnapshot{}
		if err := rows.Scan(&snap.ID, &snap.Time, &snap.AccountValue, &snap.UnrealizedPNL,
			&snap.RealizedPNL, &snap.WinRate, &snap.SharpeRatio, &snap.OpenPositions); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return snaps, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*domain.TradeRecord, error) {
	rec := &domain.TradeRecord{}
	var side, status string
	var exitPlan, slOrderID, tpOrderID, closeReason sql.NullString
	var exitTime sql.NullTime
	var netPNL sql.NullFloat64

	err := s.Scan(
		&rec.PositionID, &rec.Coin, &side, &rec.EntryPrice, &rec.Quantity, &rec.Leverage, &rec.Margin, &rec.Fees,
		&rec.PartialPNL, &rec.Confidence, &exitPlan, &status, &slOrderID, &tpOrderID, &rec.EntryTime,
		&exitTime, &rec.ExitPrice, &netPNL, &closeReason)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}

	rec.Side = domain.Side(side)
	rec.Status = domain.PositionStatus(status)
	if exitPlan.Valid && exitPlan.String != "" {
		plan := &domain.ExitPlan{}
		if err := sonic.Unmarshal([]byte(exitPlan.String), plan); err != nil {
			return nil, fmt.Errorf("failed to decode exit plan for %s: %w", rec.PositionID, err)
		}
		rec.ExitPlan = plan
	}
	if slOrderID.Valid {
		rec.StopLossOrderID = &slOrderID.String
	}
	if tpOrderID.Valid {
		rec.TakeProfitOrderID = &tpOrderID.String
	}
	if exitTime.Valid {
		rec.ExitTime = exitTime.Time
	}
	if netPNL.Valid {
		pnl := netPNL.Float64
		rec.NetPNL = &pnl
	}
	if closeReason.Valid {
		rec.CloseReason = domain.CloseReason(closeReason.String)
	}
	return rec, nil
}

func marshalExitPlan(plan *domain.ExitPlan) (sql.NullString, error) {
	if plan.IsZero() {
		return sql.NullString{}, nil
	}
	encoded, err := sonic.Marshal(plan)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
