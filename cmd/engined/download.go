package main

import (
	"context"
	"fmt"
	"time"

	"alpha_engine/internal/models"

	"github.com/spf13/cobra"
)

var (
	dlTimeframe string
	dlStart     string
	dlEnd       string
	dlPeriod    string
)

var downloadCmd = &cobra.Command{
	Use:   "download <symbol> [symbol...]",
	Short: "Download historical bars into the local store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDownload,
}

func init() {
	downloadCmd.Flags().StringVar(&dlTimeframe, "timeframe", "1d", "bar timeframe")
	downloadCmd.Flags().StringVar(&dlStart, "start", "", "start date (YYYY-MM-DD)")
	downloadCmd.Flags().StringVar(&dlEnd, "end", "", "end date (YYYY-MM-DD), default today")
	downloadCmd.Flags().StringVar(&dlPeriod, "period", "", "named range instead of dates (e.g. 1y, 6mo)")
}

func runDownload(cmd *cobra.Command, args []string) error {
	s, err := buildStack(false)
	if err != nil {
		return err
	}

	tf, err := models.ParseTimeframe(dlTimeframe)
	if err != nil {
		return err
	}

	var start, end time.Time
	if dlStart != "" {
		start, err = time.Parse("2006-01-02", dlStart)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		end = time.Now()
		if dlEnd != "" {
			end, err = time.Parse("2006-01-02", dlEnd)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}
		}
	}

	counts := s.marketData.DownloadAndStore(context.Background(), args, tf, start, end, dlPeriod)
	if len(counts) == 0 {
		return fmt.Errorf("no data downloaded")
	}
	for _, symbol := range args {
		if n, ok := counts[symbol]; ok {
			fmt.Printf("  %-10s %6d new bars (%s)\n", symbol, n, tf)
		} else {
			fmt.Printf("  %-10s download failed\n", symbol)
		}
	}
	return nil
}
