package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"alpha_engine/internal/backtest"
	"alpha_engine/internal/marketdata"
	"alpha_engine/internal/models"
	"alpha_engine/internal/strategy"

	"github.com/spf13/cobra"
)

var (
	btStart      string
	btEnd        string
	btCapital    float64
	btCommission float64
	btSizePct    float64
	btMaxPos     int
	btShort      bool
	btTimeframe  string
	btSource     string
	btParams     string
	btJSON       bool
)

var backtestCmd = &cobra.Command{
	Use:   "backtest <strategy>",
	Short: "Run a strategy over historical data",
	Args:  cobra.ExactArgs(1),
	RunE:  runBacktest,
}

func init() {
	backtestCmd.Flags().StringVar(&btStart, "start", "", "start date (YYYY-MM-DD), required")
	backtestCmd.Flags().StringVar(&btEnd, "end", "", "end date (YYYY-MM-DD), default today")
	backtestCmd.Flags().Float64Var(&btCapital, "capital", 100_000, "initial capital")
	backtestCmd.Flags().Float64Var(&btCommission, "commission", 0, "commission per fill in dollars")
	backtestCmd.Flags().Float64Var(&btSizePct, "size-pct", 0.10, "fraction of equity per entry")
	backtestCmd.Flags().IntVar(&btMaxPos, "max-positions", 10, "max simultaneous positions")
	backtestCmd.Flags().BoolVar(&btShort, "allow-short", false, "allow short entries")
	backtestCmd.Flags().StringVar(&btTimeframe, "timeframe", "", "timeframe override (e.g. 1d, 1h)")
	backtestCmd.Flags().StringVar(&btSource, "source", "auto", "data source: local, history or auto")
	backtestCmd.Flags().StringVar(&btParams, "params", "", "strategy parameter overrides as JSON")
	backtestCmd.Flags().BoolVar(&btJSON, "json", false, "print the full result as JSON")
	_ = backtestCmd.MarkFlagRequired("start")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	s, err := buildStack(false)
	if err != nil {
		return err
	}

	registry := strategy.NewRegistry(s.log)
	strategy.RegisterBuiltins(registry)

	var overrides map[string]any
	if btParams != "" {
		if err := json.Unmarshal([]byte(btParams), &overrides); err != nil {
			return fmt.Errorf("invalid --params JSON: %w", err)
		}
	}
	st, err := registry.Create(args[0], overrides)
	if err != nil {
		return err
	}

	start, err := time.Parse("2006-01-02", btStart)
	if err != nil {
		return fmt.Errorf("invalid --start: %w", err)
	}
	end := time.Now()
	if btEnd != "" {
		end, err = time.Parse("2006-01-02", btEnd)
		if err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}
	}

	var tf models.Timeframe
	if btTimeframe != "" {
		tf, err = models.ParseTimeframe(btTimeframe)
		if err != nil {
			return err
		}
	}

	cfg := backtest.Config{
		Strategy:        st,
		Start:           start,
		End:             end,
		InitialCapital:  btCapital,
		Commission:      btCommission,
		PositionSizePct: btSizePct,
		MaxPositions:    btMaxPos,
		AllowShort:      btShort,
		Timeframe:       tf,
		Source:          marketdata.Source(btSource),
	}

	result, err := backtest.New(cfg, s.marketData, s.log).Run(context.Background())
	if err != nil {
		return err
	}

	if btJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	printSummary(st.Name(), btStart, btEnd, result)
	return nil
}

func printSummary(name, start, end string, result *backtest.Result) {
	m := result.Metrics
	fmt.Println()
	fmt.Printf("  BACKTEST: %s  (%s -> %s)\n", name, start, end)
	fmt.Println("  ----------------------------------------")

	order := []string{
		"initial_capital", "final_equity", "total_return_pct",
		"annualized_return_pct", "sharpe_ratio", "max_drawdown_pct",
		"annual_volatility_pct", "total_trades", "winning_trades",
		"losing_trades", "win_rate_pct", "profit_factor",
		"avg_trade_pnl", "avg_winner", "avg_loser", "best_trade",
		"worst_trade", "gross_profit", "gross_loss",
		"total_commissions", "avg_bars_held", "max_win_streak",
		"max_loss_streak", "trading_days", "trading_years",
	}
	known := make(map[string]bool, len(order))
	for _, key := range order {
		known[key] = true
		if v, ok := m[key]; ok {
			fmt.Printf("  %-24s %v\n", key, v)
		}
	}
	// Anything new in the metrics map still gets printed.
	var rest []string
	for key := range m {
		if !known[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		fmt.Printf("  %-24s %v\n", key, m[key])
	}
	fmt.Println()
}
