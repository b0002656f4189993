// Package analytics derives performance metrics from the trade ledger.
package analytics

import (
	"sort"
	"time"

	"tradeagent/internal/domain"
)

// HoldTimes summarizes how long closed positions were held.
type HoldTimes struct {
	Average time.Duration
	Min     time.Duration
	Max     time.Duration
}

// PerformanceMetrics holds aggregate performance figures for one agent.
// SharpeRatio is filled in by the caller from the ledger's cutoff-aware
// query; everything else is derived here.
type PerformanceMetrics struct {
	SharpeRatio       float64
	WinRate           float64
	AverageLeverage   float64
	AverageConfidence float64
	BiggestWin        float64
	BiggestLoss       float64
	TotalTrades       int
	ProfitableTrades  int
	LosingTrades      int
	HoldTimes         HoldTimes
	TotalFees         float64
	NetPNL            float64
}

// Analyze computes performance metrics over the full ledger. Leverage,
// confidence and fees aggregate over every record; PNL-derived figures use
// closed records with a known net PNL only.
func Analyze(records []*domain.TradeRecord) *PerformanceMetrics {
	metrics := &PerformanceMetrics{}
	if len(records) == 0 {
		return metrics
	}

	var leverageSum, confidenceSum float64
	for _, rec := range records {
		leverageSum += float64(rec.Leverage)
		confidenceSum += float64(rec.Confidence)
		metrics.TotalFees += rec.Fees
	}
	metrics.AverageLeverage = leverageSum / float64(len(records))
	metrics.AverageConfidence = confidenceSum / float64(len(records))

	closed := make([]*domain.TradeRecord, 0, len(records))
	for _, rec := range records {
		if rec.Status == domain.StatusClosed && rec.NetPNL != nil {
			closed = append(closed, rec)
		}
	}
	if len(closed) == 0 {
		return metrics
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].EntryTime.Before(closed[j].EntryTime)
	})

	var totalHold time.Duration
	for i, rec := range closed {
		pnl := *rec.NetPNL
		metrics.TotalTrades++
		metrics.NetPNL += pnl
		if pnl > 0 {
			metrics.ProfitableTrades++
		} else {
			metrics.LosingTrades++
		}
		if pnl > metrics.BiggestWin {
			metrics.BiggestWin = pnl
		}
		if pnl < metrics.BiggestLoss {
			metrics.BiggestLoss = pnl
		}

		hold := rec.ExitTime.Sub(rec.EntryTime)
		totalHold += hold
		if i == 0 || hold < metrics.HoldTimes.Min {
			metrics.HoldTimes.Min = hold
		}
		if hold > metrics.HoldTimes.Max {
			metrics.HoldTimes.Max = hold
		}
	}
	metrics.WinRate = float64(metrics.ProfitableTrades) / float64(metrics.TotalTrades)
	metrics.HoldTimes.Average = totalHold / time.Duration(len(closed))

	return metrics
}
