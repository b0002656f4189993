// Command perf prints aggregate performance metrics from the trade ledger.
// It reads the database directly and never touches the exchange.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tradeagent/internal/adapters/logger"
	"tradeagent/internal/adapters/sqlite"
	"tradeagent/internal/analytics"
)

func main() {
	dbPath := flag.String("db", "./data/tradeagent.db", "path to the ledger database")
	cutoff := flag.String("sharpe-cutoff", "", "exclude closed trades before this date (YYYY-MM-DD) from the Sharpe ratio")
	snapshots := flag.Int("snapshots", 0, "also print the N most recent account snapshots")
	flag.Parse()

	var sharpeCutoff time.Time
	if *cutoff != "" {
		var err error
		sharpeCutoff, err = time.Parse("2006-01-02", *cutoff)
		if err != nil {
			log.Fatalf("invalid -sharpe-cutoff: %v", err)
		}
	}

	store, err := sqlite.NewStore(sqlite.Config{
		DBPath:       *dbPath,
		Logger:       logger.NewNop(),
		SharpeCutoff: sharpeCutoff,
	})
	if err != nil {
		log.Fatalf("failed to open ledger: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	records, err := store.GetAll(ctx)
	if err != nil {
		log.Fatalf("failed to read ledger: %v", err)
	}
	metrics := analytics.Analyze(records)
	if metrics.SharpeRatio, err = store.SharpeRatio(ctx, nil); err != nil {
		log.Fatalf("failed to compute sharpe ratio: %v", err)
	}

	fmt.Printf("Trades:             %d (%d wins / %d losses)\n", metrics.TotalTrades, metrics.ProfitableTrades, metrics.LosingTrades)
	fmt.Printf("Win rate:           %.1f%%\n", metrics.WinRate*100)
	fmt.Printf("Net PNL:            %.2f\n", metrics.NetPNL)
	fmt.Printf("Total fees:         %.2f\n", metrics.TotalFees)
	fmt.Printf("Biggest win:        %.2f\n", metrics.BiggestWin)
	fmt.Printf("Biggest loss:       %.2f\n", metrics.BiggestLoss)
	fmt.Printf("Sharpe ratio:       %.3f\n", metrics.SharpeRatio)
	fmt.Printf("Average leverage:   %.1fx\n", metrics.AverageLeverage)
	fmt.Printf("Average confidence: %.0f\n", metrics.AverageConfidence)
	if metrics.TotalTrades > 0 {
		fmt.Printf("Hold time:          avg %s, min %s, max %s\n",
			metrics.HoldTimes.Average.Round(time.Minute),
			metrics.HoldTimes.Min.Round(time.Minute),
			metrics.HoldTimes.Max.Round(time.Minute))
	}

	if *snapshots > 0 {
		snaps, err := store.RecentSnapshots(ctx, *snapshots)
		if err != nil {
			log.Fatalf("failed to read snapshots: %v", err)
		}
		if len(snaps) > 0 {
			fmt.Fprintln(os.Stdout)
			fmt.Println("Recent snapshots:")
			for _, s := range snaps {
				fmt.Printf("  %s  value %.2f  unrealized %.2f  realized %.2f  open %d\n",
					s.Time.Format(time.RFC3339), s.AccountValue, s.UnrealizedPNL, s.RealizedPNL, s.OpenPositions)
			}
		}
	}
}
