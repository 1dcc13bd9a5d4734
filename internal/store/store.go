// Package store persists OHLCV history on disk. Layout: one directory
// per symbol (uppercased, slashes flattened), one columnar msgpack
// file per timeframe named <tf>.msgpack. Writes are atomic via a
// temp-file rename.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"alpha_engine/internal/bars"
	"alpha_engine/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

const fileExt = ".msgpack"

// Store is a local bar store rooted at a data directory.
type Store struct {
	root string
	log  *logrus.Logger
}

// columnar is the on-disk shape. Timestamps are Unix seconds in UTC.
type columnar struct {
	Version    int       `msgpack:"version"`
	Timestamps []int64   `msgpack:"timestamps"`
	Open       []float64 `msgpack:"open"`
	High       []float64 `msgpack:"high"`
	Low        []float64 `msgpack:"low"`
	Close      []float64 `msgpack:"close"`
	Volume     []int64   `msgpack:"volume"`
}

const schemaVersion = 1

// New creates the root directory if needed.
func New(root string, log *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{root: root, log: log}, nil
}

// symbolDir flattens crypto pairs: BTC/USD -> BTC_USD.
func (s *Store) symbolDir(symbol string) string {
	clean := strings.ToUpper(strings.ReplaceAll(symbol, "/", "_"))
	return filepath.Join(s.root, clean)
}

func (s *Store) path(symbol string, tf models.Timeframe) string {
	return filepath.Join(s.symbolDir(symbol), string(tf)+fileExt)
}

// Save overwrites the series for (symbol, timeframe).
func (s *Store) Save(symbol string, tf models.Timeframe, series []models.Bar) error {
	series = bars.SortDedupe(append([]models.Bar(nil), series...))
	col := toColumnar(series)

	dir := s.symbolDir(symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create symbol dir: %w", err)
	}

	data, err := msgpack.Marshal(col)
	if err != nil {
		return fmt.Errorf("encode bars: %w", err)
	}

	// Write to temp file then rename for atomicity.
	target := s.path(symbol, tf)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	s.log.WithFields(logrus.Fields{"symbol": symbol, "timeframe": tf, "bars": len(series)}).
		Debug("saved bars")
	return nil
}

// Load returns the stored series clipped to [start, end]; zero bounds
// are open-ended. A missing file yields an empty series, not an error.
func (s *Store) Load(symbol string, tf models.Timeframe, start, end time.Time) ([]models.Bar, error) {
	data, err := os.ReadFile(s.path(symbol, tf))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bars file: %w", err)
	}
	var col columnar
	if err := msgpack.Unmarshal(data, &col); err != nil {
		return nil, fmt.Errorf("decode bars file: %w", err)
	}
	series := fromColumnar(col)
	return bars.Clip(series, start.UTC(), end.UTC()), nil
}

// Update merges new bars into the stored series: concatenate, dedupe
// by timestamp keeping the incoming value, sort, overwrite. Returns
// the number of timestamps not previously present.
func (s *Store) Update(symbol string, tf models.Timeframe, incoming []models.Bar) (int, error) {
	existing, err := s.Load(symbol, tf, time.Time{}, time.Time{})
	if err != nil {
		return 0, err
	}
	known := make(map[int64]struct{}, len(existing))
	for _, b := range existing {
		known[b.Time.Unix()] = struct{}{}
	}
	added := 0
	for _, b := range incoming {
		if _, ok := known[b.Time.Unix()]; !ok {
			added++
		}
	}
	// Incoming last so SortDedupe keeps the latest value on collision.
	merged := bars.SortDedupe(append(existing, incoming...))
	if err := s.Save(symbol, tf, merged); err != nil {
		return 0, err
	}
	return added, nil
}

// Has reports whether a file exists for (symbol, timeframe).
func (s *Store) Has(symbol string, tf models.Timeframe) bool {
	_, err := os.Stat(s.path(symbol, tf))
	return err == nil
}

// Range returns the first and last stored timestamps.
func (s *Store) Range(symbol string, tf models.Timeframe) (first, last time.Time, err error) {
	series, err := s.Load(symbol, tf, time.Time{}, time.Time{})
	if err != nil || len(series) == 0 {
		return time.Time{}, time.Time{}, err
	}
	return series[0].Time, series[len(series)-1].Time, nil
}

// BarCount returns the number of stored bars, 0 when absent.
func (s *Store) BarCount(symbol string, tf models.Timeframe) int {
	series, err := s.Load(symbol, tf, time.Time{}, time.Time{})
	if err != nil {
		return 0
	}
	return len(series)
}

// ListSymbols returns the symbols with at least one stored timeframe.
func (s *Store) ListSymbols() []string {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, strings.ReplaceAll(e.Name(), "_", "/"))
		}
	}
	sort.Strings(out)
	return out
}

// ListTimeframes returns the timeframes stored for a symbol.
func (s *Store) ListTimeframes(symbol string) []models.Timeframe {
	entries, err := os.ReadDir(s.symbolDir(symbol))
	if err != nil {
		return nil
	}
	var out []models.Timeframe
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, fileExt) {
			continue
		}
		tf := models.Timeframe(strings.TrimSuffix(name, fileExt))
		if tf.Valid() {
			out = append(out, tf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seconds() < out[j].Seconds() })
	return out
}

// SymbolSummary describes one stored (symbol, timeframe) artifact.
type SymbolSummary struct {
	Symbol    string           `json:"symbol"`
	Timeframe models.Timeframe `json:"timeframe"`
	Bars      int              `json:"bars"`
	First     time.Time        `json:"first"`
	Last      time.Time        `json:"last"`
}

// Summary walks the whole store.
func (s *Store) Summary() []SymbolSummary {
	var out []SymbolSummary
	for _, sym := range s.ListSymbols() {
		for _, tf := range s.ListTimeframes(sym) {
			series, err := s.Load(sym, tf, time.Time{}, time.Time{})
			if err != nil || len(series) == 0 {
				continue
			}
			out = append(out, SymbolSummary{
				Symbol:    sym,
				Timeframe: tf,
				Bars:      len(series),
				First:     series[0].Time,
				Last:      series[len(series)-1].Time,
			})
		}
	}
	return out
}

// Delete removes one timeframe artifact and the symbol directory if it
// became empty.
func (s *Store) Delete(symbol string, tf models.Timeframe) error {
	if err := os.Remove(s.path(symbol, tf)); err != nil && !os.IsNotExist(err) {
		return err
	}
	// Clean up an empty parent.
	dir := s.symbolDir(symbol)
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		return os.Remove(dir)
	}
	return nil
}

// DeleteSymbol removes all artifacts for a symbol.
func (s *Store) DeleteSymbol(symbol string) error {
	return os.RemoveAll(s.symbolDir(symbol))
}

func toColumnar(series []models.Bar) columnar {
	col := columnar{
		Version:    schemaVersion,
		Timestamps: make([]int64, len(series)),
		Open:       make([]float64, len(series)),
		High:       make([]float64, len(series)),
		Low:        make([]float64, len(series)),
		Close:      make([]float64, len(series)),
		Volume:     make([]int64, len(series)),
	}
	for i, b := range series {
		col.Timestamps[i] = b.Time.UTC().Unix()
		col.Open[i] = b.Open
		col.High[i] = b.High
		col.Low[i] = b.Low
		col.Close[i] = b.Close
		col.Volume[i] = b.Volume
	}
	return col
}

func fromColumnar(col columnar) []models.Bar {
	series := make([]models.Bar, len(col.Timestamps))
	for i := range col.Timestamps {
		series[i] = models.Bar{
			Time:   time.Unix(col.Timestamps[i], 0).UTC(),
			Open:   col.Open[i],
			High:   col.High[i],
			Low:    col.Low[i],
			Close:  col.Close[i],
			Volume: col.Volume[i],
		}
	}
	return series
}
