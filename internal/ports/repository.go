package ports

import (
	"context"
	"time"

	"tradeagent/internal/domain"
)

// TradeRecordUpdate carries the fields a partial ledger update may touch.
// Nil fields are left unchanged.
type TradeRecordUpdate struct {
	Quantity          *float64
	Margin            *float64
	Fees              *float64
	PartialPNL        *float64
	ExitPlan          *domain.ExitPlan
	ClearExitPlan     bool
	StopLossOrderID   *string
	TakeProfitOrderID *string
	ExitPrice         *float64
	ExitTime          *time.Time
	NetPNL            *float64
	CloseReason       *domain.CloseReason
}

// TradeRecordRepository is the durable ledger of trade records, keyed by
// position_id and secondarily indexed by (coin, side).
type TradeRecordRepository interface {
	// Save upserts a record keyed by its PositionID. Idempotent.
	Save(ctx context.Context, rec *domain.TradeRecord) error
	// Update applies a partial update to an existing record.
	Update(ctx context.Context, positionID string, upd TradeRecordUpdate) error
	// UpdateStatus transitions a record's status. open -> closed only.
	UpdateStatus(ctx context.Context, positionID string, status domain.PositionStatus) error
	// Get retrieves a record by its position ID. Returns nil, nil when absent.
	Get(ctx context.Context, positionID string) (*domain.TradeRecord, error)
	// GetAll retrieves every record, ordered by entry time descending.
	GetAll(ctx context.Context) ([]*domain.TradeRecord, error)
	// GetOpen retrieves all open records.
	GetOpen(ctx context.Context) ([]*domain.TradeRecord, error)
	// GetOpenByCoinSide retrieves the open record for one book, if any.
	// Returns nil, nil when no open record exists.
	GetOpenByCoinSide(ctx context.Context, coin string, side domain.Side) (*domain.TradeRecord, error)
	// GetClosed retrieves all closed records.
	GetClosed(ctx context.Context) ([]*domain.TradeRecord, error)

	// Aggregate queries over closed records.
	TotalRealizedPnL(ctx context.Context) (float64, error)
	TotalFees(ctx context.Context) (float64, error)
	WinRate(ctx context.Context) (float64, error)
	AverageLeverage(ctx context.Context) (float64, error)
	// SharpeRatio annualizes mean/stddev of per-trade returns
	// (net_pnl / margin) over closed trades after the cutoff,
	// optionally extended with unrealized returns of open positions.
	SharpeRatio(ctx context.Context, openReturns []float64) (float64, error)
}

// SnapshotRepository stores the reporting time series. Independent of the
// execution path.
type SnapshotRepository interface {
	// SaveSnapshot appends one snapshot point.
	SaveSnapshot(ctx context.Context, snap *domain.AccountSnapshot) error
	// RecentSnapshots retrieves the latest snapshots, newest first.
	RecentSnapshots(ctx context.Context, limit int) ([]*domain.AccountSnapshot, error)
}
