// Package marketdata sits between the engine and the data sources: a
// short-TTL cache in front of the broker for live cycles, and the
// local store / historical provider pair for backtest preparation.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"alpha_engine/internal/bars"
	"alpha_engine/internal/broker"
	"alpha_engine/internal/history"
	"alpha_engine/internal/models"
	"alpha_engine/internal/store"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// Source selects where smart-fetch reads from.
type Source string

const (
	SourceLocal   Source = "local"
	SourceHistory Source = "history"
	SourceAuto    Source = "auto"
)

// Coverage tolerance for the auto source: weekends and holidays mean
// stored ranges rarely match requested bounds exactly.
const (
	coverageStartSlack = 2 * 24 * time.Hour
	coverageEndSlack   = 5 * 24 * time.Hour
)

type barEntry struct {
	series  []models.Bar
	fetched time.Time
}

type priceEntry struct {
	price   decimal.Decimal
	fetched time.Time
}

// Service implements the market-data layer.
type Service struct {
	broker  broker.Broker
	store   *store.Store
	history *history.Provider
	ttl     time.Duration
	log     *logrus.Logger

	mu         sync.Mutex
	barCache   map[string]barEntry
	priceCache map[string]priceEntry

	// breaker shields the live loops from a flapping market-data
	// backend; risk-path broker calls go direct.
	breaker *gobreaker.CircuitBreaker
}

// New builds the service. ttl = 0 disables caching.
func New(b broker.Broker, st *store.Store, hp *history.Provider, ttl time.Duration, log *logrus.Logger) *Service {
	return &Service{
		broker:     b,
		store:      st,
		history:    hp,
		ttl:        ttl,
		log:        log,
		barCache:   make(map[string]barEntry),
		priceCache: make(map[string]priceEntry),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "broker-marketdata",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 8
			},
		}),
	}
}

func barKey(symbol string, tf models.Timeframe, start, end time.Time, limit int) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d", symbol, tf, start.Unix(), end.Unix(), limit)
}

// GetBars returns bars for one symbol, via the cache when fresh.
// Failures are logged and yield an empty series, never an error: a
// live cycle skips on empty data instead of crashing.
func (s *Service) GetBars(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, limit int) []models.Bar {
	key := barKey(symbol, tf, start, end, limit)

	if s.ttl > 0 {
		s.mu.Lock()
		if e, ok := s.barCache[key]; ok && time.Since(e.fetched) < s.ttl {
			out := append([]models.Bar(nil), e.series...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
	}

	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.broker.GetBars(ctx, symbol, tf, start, end, limit)
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"symbol": symbol, "timeframe": tf}).
			WithError(err).Warn("bars fetch failed, returning empty")
		return nil
	}
	series := res.([]models.Bar)

	if s.ttl > 0 {
		s.mu.Lock()
		s.barCache[key] = barEntry{series: append([]models.Bar(nil), series...), fetched: time.Now()}
		s.mu.Unlock()
	}
	return series
}

// GetBarsForSymbols fans out concurrently, waits for all, and drops
// failed and empty entries.
func (s *Service) GetBarsForSymbols(ctx context.Context, symbols []string, tf models.Timeframe, limit int) map[string][]models.Bar {
	var mu sync.Mutex
	out := make(map[string][]models.Bar, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			series := s.GetBars(gctx, symbol, tf, time.Time{}, time.Time{}, limit)
			if len(series) == 0 {
				s.log.WithFields(logrus.Fields{"symbol": symbol, "timeframe": tf}).
					Debug("no bars for symbol, dropping")
				return nil
			}
			mu.Lock()
			out[symbol] = series
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// GetLatestPrice returns the latest price via the cache.
func (s *Service) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if s.ttl > 0 {
		s.mu.Lock()
		if e, ok := s.priceCache[symbol]; ok && time.Since(e.fetched) < s.ttl {
			s.mu.Unlock()
			return e.price, nil
		}
		s.mu.Unlock()
	}

	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.broker.GetLatestPrice(ctx, symbol)
	})
	if err != nil {
		return decimal.Zero, err
	}
	price := res.(decimal.Decimal)

	if s.ttl > 0 {
		s.mu.Lock()
		s.priceCache[symbol] = priceEntry{price: price, fetched: time.Now()}
		s.mu.Unlock()
	}
	return price, nil
}

// GetLatestPrices fans out and drops failures.
func (s *Service) GetLatestPrices(ctx context.Context, symbols []string) map[string]decimal.Decimal {
	var mu sync.Mutex
	out := make(map[string]decimal.Decimal, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			price, err := s.GetLatestPrice(gctx, symbol)
			if err != nil {
				s.log.WithField("symbol", symbol).WithError(err).Debug("price fetch failed, dropping")
				return nil
			}
			mu.Lock()
			out[symbol] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// IsMarketOpen asks the broker, returning false on failure.
func (s *Service) IsMarketOpen(ctx context.Context) bool {
	open, err := s.broker.IsMarketOpen(ctx)
	if err != nil {
		s.log.WithError(err).Warn("market clock unavailable, treating as closed")
		return false
	}
	return open
}

// SmartFetch prepares per-symbol history for a backtest window.
//
//	local:   read the store as-is.
//	history: download, overwrite the store, return.
//	auto:    use the store when it covers [start-2d, end+5d], else
//	         download, merge into the store, and reload the exact
//	         requested bounds.
func (s *Service) SmartFetch(ctx context.Context, symbols []string, tf models.Timeframe, start, end time.Time, source Source) map[string][]models.Bar {
	out := make(map[string][]models.Bar, len(symbols))
	for _, symbol := range symbols {
		series := s.smartFetchOne(ctx, symbol, tf, start, end, source)
		if len(series) > 0 {
			out[symbol] = series
		}
	}
	return out
}

func (s *Service) smartFetchOne(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, source Source) []models.Bar {
	log := s.log.WithFields(logrus.Fields{"symbol": symbol, "timeframe": tf, "source": source})

	switch source {
	case SourceLocal:
		series, err := s.store.Load(symbol, tf, start, end)
		if err != nil {
			log.WithError(err).Warn("local load failed")
			return nil
		}
		return series

	case SourceHistory:
		series, err := s.history.Download(ctx, symbol, tf, start, end, "")
		if err != nil {
			log.WithError(err).Warn("history download failed")
			return nil
		}
		if err := s.store.Save(symbol, tf, series); err != nil {
			log.WithError(err).Warn("store save failed")
		}
		return bars.Clip(series, start, end)

	default: // SourceAuto
		if s.store.Has(symbol, tf) {
			first, last, err := s.store.Range(symbol, tf)
			if err == nil && !first.IsZero() &&
				!first.After(start.Add(coverageStartSlack)) &&
				!last.Before(end.Add(-coverageEndSlack)) {
				series, err := s.store.Load(symbol, tf, start, end)
				if err == nil {
					log.WithField("bars", len(series)).Debug("store covers requested range")
					return series
				}
			}
		}
		series, err := s.history.Download(ctx, symbol, tf, start, end, "")
		if err != nil {
			log.WithError(err).Warn("history download failed, falling back to store")
			stored, _ := s.store.Load(symbol, tf, start, end)
			return stored
		}
		if _, err := s.store.Update(symbol, tf, series); err != nil {
			log.WithError(err).Warn("store update failed")
		}
		reloaded, err := s.store.Load(symbol, tf, start, end)
		if err != nil {
			return bars.Clip(series, start, end)
		}
		return reloaded
	}
}

// DownloadAndStore is the explicit bulk-refill entry; it returns the
// number of new bars written per symbol.
func (s *Service) DownloadAndStore(ctx context.Context, symbols []string, tf models.Timeframe, start, end time.Time, period string) map[string]int {
	out := make(map[string]int, len(symbols))
	downloaded, err := s.history.DownloadMultiple(ctx, symbols, tf, start, end, period)
	if err != nil {
		s.log.WithError(err).Warn("bulk download failed")
		return out
	}
	for symbol, series := range downloaded {
		n, err := s.store.Update(symbol, tf, series)
		if err != nil {
			s.log.WithField("symbol", symbol).WithError(err).Warn("store update failed")
			continue
		}
		out[symbol] = n
	}
	return out
}

// --- Cache administration ---

// ClearCache drops everything.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barCache = make(map[string]barEntry)
	s.priceCache = make(map[string]priceEntry)
}

// ClearExpired evicts entries older than the TTL.
func (s *Service) ClearExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ttl <= 0 {
		return 0
	}
	evicted := 0
	for k, e := range s.barCache {
		if time.Since(e.fetched) >= s.ttl {
			delete(s.barCache, k)
			evicted++
		}
	}
	for k, e := range s.priceCache {
		if time.Since(e.fetched) >= s.ttl {
			delete(s.priceCache, k)
			evicted++
		}
	}
	return evicted
}

// CacheStats reports entry counts and the configured TTL.
func (s *Service) CacheStats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"bar_entries":   len(s.barCache),
		"price_entries": len(s.priceCache),
		"ttl_seconds":   int(s.ttl.Seconds()),
	}
}
