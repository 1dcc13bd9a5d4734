// Package alpaca adapts the Alpaca trading and market-data APIs to the
// broker.Broker interface.
package alpaca

import (
	"context"
	"errors"
	"sort"
	"time"

	"alpha_engine/internal/broker"
	"alpha_engine/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// Adapter implements broker.Broker against Alpaca.
type Adapter struct {
	tradeClient *alpaca.Client
	mdClient    *marketdata.Client
}

var _ broker.Broker = (*Adapter)(nil)

// Opts carries the credentials and base URL for the trading API.
type Opts struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// New returns an adapter wired to the paper or live endpoint depending
// on opts.BaseURL.
func New(opts Opts) *Adapter {
	return &Adapter{
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
		}),
	}
}

// timeframeMap translates the core's timeframe keys to venue objects.
var timeframeMap = map[models.Timeframe]marketdata.TimeFrame{
	models.TF1Min:   marketdata.NewTimeFrame(1, marketdata.Min),
	models.TF5Min:   marketdata.NewTimeFrame(5, marketdata.Min),
	models.TF15Min:  marketdata.NewTimeFrame(15, marketdata.Min),
	models.TF30Min:  marketdata.NewTimeFrame(30, marketdata.Min),
	models.TF1Hour:  marketdata.NewTimeFrame(1, marketdata.Hour),
	models.TF4Hour:  marketdata.NewTimeFrame(4, marketdata.Hour),
	models.TF1Day:   marketdata.NewTimeFrame(1, marketdata.Day),
	models.TF1Week:  marketdata.NewTimeFrame(1, marketdata.Week),
	models.TF1Month: marketdata.NewTimeFrame(1, marketdata.Month),
}

// --- Account / clock ---

func (a *Adapter) GetAccount(ctx context.Context) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := a.tradeClient.GetAccount()
	if err != nil {
		return nil, classify("get_account", err)
	}
	return &models.Account{
		ID:             acct.ID,
		Currency:       acct.Currency,
		Equity:         acct.Equity,
		Cash:           acct.Cash,
		BuyingPower:    acct.BuyingPower,
		PortfolioValue: acct.PortfolioValue,
		Status:         acct.Status,
	}, nil
}

func (a *Adapter) GetClock(ctx context.Context) (*models.Clock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := a.tradeClient.GetClock()
	if err != nil {
		return nil, classify("get_clock", err)
	}
	return &models.Clock{
		Timestamp: c.Timestamp,
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}

func (a *Adapter) IsMarketOpen(ctx context.Context) (bool, error) {
	c, err := a.GetClock(ctx)
	if err != nil {
		return false, err
	}
	return c.IsOpen, nil
}

// --- Orders ---

func (a *Adapter) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qty := req.Qty
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          mapOrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		ClientOrderID: req.ClientOrderID,
	}

	if req.Bracketed() {
		placeReq.OrderClass = alpaca.Bracket
		if req.TakeProfit != nil {
			tp := req.TakeProfit.Round(2)
			placeReq.TakeProfit = &alpaca.TakeProfit{LimitPrice: &tp}
		}
		if req.StopLoss != nil {
			sl := req.StopLoss.Round(2)
			placeReq.StopLoss = &alpaca.StopLoss{StopPrice: &sl}
		}
	}

	o, err := a.tradeClient.PlaceOrder(placeReq)
	if err != nil {
		return nil, classify("submit_order", err)
	}
	return mapOrder(o), nil
}

func (a *Adapter) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := a.tradeClient.GetOrder(id)
	if err != nil {
		return nil, classify("get_order", err)
	}
	return mapOrder(o), nil
}

func (a *Adapter) GetOrders(ctx context.Context, status broker.OrderStatusFilter, limit int) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	orders, err := a.tradeClient.GetOrders(alpaca.GetOrdersRequest{
		Status: string(status),
		Limit:  limit,
		Nested: true,
	})
	if err != nil {
		return nil, classify("get_orders", err)
	}
	result := make([]models.Order, 0, len(orders))
	for i := range orders {
		result = append(result, *mapOrder(&orders[i]))
	}
	return result, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.tradeClient.CancelOrder(id); err != nil {
		return classify("cancel_order", err)
	}
	return nil
}

func (a *Adapter) CancelAllOrders(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.tradeClient.CancelAllOrders(); err != nil {
		return classify("cancel_all_orders", err)
	}
	return nil
}

// --- Positions ---

func (a *Adapter) GetPositions(ctx context.Context) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions, err := a.tradeClient.GetPositions()
	if err != nil {
		return nil, classify("get_positions", err)
	}
	result := make([]models.Position, 0, len(positions))
	for i := range positions {
		result = append(result, mapPosition(&positions[i]))
	}
	return result, nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := a.tradeClient.GetPosition(symbol)
	if err != nil {
		// Absent positions are not an error condition for callers.
		berr := classify("get_position", err)
		if broker.KindOf(berr) == broker.KindNotFound {
			return nil, nil
		}
		return nil, berr
	}
	pos := mapPosition(p)
	return &pos, nil
}

func (a *Adapter) ClosePosition(ctx context.Context, symbol string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := a.tradeClient.ClosePosition(symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		return nil, classify("close_position", err)
	}
	return mapOrder(o), nil
}

func (a *Adapter) CloseAllPositions(ctx context.Context) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The v3 SDK returns typed orders directly; there is no response
	// body wrapping to unpick here.
	orders, err := a.tradeClient.CloseAllPositions(alpaca.CloseAllPositionsRequest{
		CancelOrders: true,
	})
	if err != nil {
		return nil, classify("close_all_positions", err)
	}
	result := make([]models.Order, 0, len(orders))
	for i := range orders {
		result = append(result, *mapOrder(&orders[i]))
	}
	return result, nil
}

// --- Market data ---

func (a *Adapter) GetBars(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, limit int) ([]models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	venueTF, ok := timeframeMap[tf]
	if !ok {
		return nil, &broker.Error{Kind: broker.KindInvalid, Op: "get_bars", Err: errors.New("unknown timeframe " + string(tf))}
	}

	var out []models.Bar
	if models.IsCrypto(symbol) {
		bars, err := a.mdClient.GetCryptoBars(symbol, marketdata.GetCryptoBarsRequest{
			TimeFrame:  venueTF,
			Start:      start,
			End:        end,
			TotalLimit: limit,
		})
		if err != nil {
			return nil, classify("get_bars", err)
		}
		out = make([]models.Bar, 0, len(bars))
		for _, b := range bars {
			out = append(out, models.Bar{
				Time:   b.Timestamp,
				Open:   b.Open,
				High:   b.High,
				Low:    b.Low,
				Close:  b.Close,
				Volume: int64(b.Volume),
			})
		}
	} else {
		bars, err := a.mdClient.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame:  venueTF,
			Start:      start,
			End:        end,
			TotalLimit: limit,
		})
		if err != nil {
			return nil, classify("get_bars", err)
		}
		out = make([]models.Bar, 0, len(bars))
		for _, b := range bars {
			out = append(out, models.Bar{
				Time:   b.Timestamp,
				Open:   b.Open,
				High:   b.High,
				Low:    b.Low,
				Close:  b.Close,
				Volume: int64(b.Volume),
			})
		}
	}

	return dedupeAscending(out), nil
}

func (a *Adapter) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	if models.IsCrypto(symbol) {
		q, err := a.mdClient.GetLatestCryptoQuote(symbol, marketdata.GetLatestCryptoQuoteRequest{})
		if err != nil {
			return decimal.Zero, classify("get_latest_price", err)
		}
		bid := decimal.NewFromFloat(q.BidPrice)
		ask := decimal.NewFromFloat(q.AskPrice)
		switch {
		case bid.IsPositive() && ask.IsPositive():
			return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
		case bid.IsPositive():
			return bid, nil
		case ask.IsPositive():
			return ask, nil
		default:
			return decimal.Zero, broker.ErrUnavailableQuote
		}
	}

	trade, err := a.mdClient.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Zero, classify("get_latest_price", err)
	}
	return decimal.NewFromFloat(trade.Price), nil
}

// --- Helpers ---

func mapOrderType(t models.OrderType) alpaca.OrderType {
	switch t {
	case models.Limit:
		return alpaca.Limit
	case models.Stop:
		return alpaca.Stop
	case models.StopLimit:
		return alpaca.StopLimit
	case models.TrailingStop:
		return alpaca.TrailingStop
	default:
		return alpaca.Market
	}
}

func mapOrder(o *alpaca.Order) *models.Order {
	if o == nil {
		return nil
	}
	res := &models.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		FilledQty:      o.FilledQty,
		Type:           models.OrderType(o.Type),
		Side:           models.Side(o.Side),
		TimeInForce:    models.TimeInForce(o.TimeInForce),
		Status:         o.Status,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		CreatedAt:      o.CreatedAt,
		FilledAt:       o.FilledAt,
	}
	if o.Qty != nil {
		res.Qty = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		res.FilledAvgPrice = *o.FilledAvgPrice
	}
	// Bracket children live in Legs when Nested is requested.
	for i := range o.Legs {
		leg := &o.Legs[i]
		switch alpaca.OrderType(leg.Type) {
		case alpaca.Limit:
			res.TakeProfitPrice = leg.LimitPrice
		case alpaca.Stop:
			res.StopLossPrice = leg.StopPrice
		}
	}
	return res
}

func mapPosition(p *alpaca.Position) models.Position {
	pos := models.Position{
		Symbol:        p.Symbol,
		Qty:           p.Qty,
		Side:          string(p.Side),
		AvgEntryPrice: p.AvgEntryPrice,
	}
	if p.CurrentPrice != nil {
		pos.CurrentPrice = *p.CurrentPrice
	}
	if p.MarketValue != nil {
		pos.MarketValue = *p.MarketValue
	}
	if p.UnrealizedPL != nil {
		pos.UnrealizedPL = *p.UnrealizedPL
	}
	if p.UnrealizedPLPC != nil {
		pos.UnrealizedPLPct = *p.UnrealizedPLPC
	}
	return pos
}

func dedupeAscending(bars []models.Bar) []models.Bar {
	if len(bars) == 0 {
		return bars
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	out := bars[:1]
	for _, b := range bars[1:] {
		if b.Time.Equal(out[len(out)-1].Time) {
			out[len(out)-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

func classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		kind := broker.KindTransient
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			kind = broker.KindAuth
		case apiErr.StatusCode == 404:
			kind = broker.KindNotFound
		case apiErr.StatusCode == 429:
			kind = broker.KindRateLimit
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			kind = broker.KindInvalid
		}
		return &broker.Error{Kind: kind, Op: op, Err: err}
	}
	return &broker.Error{Kind: broker.KindTransient, Op: op, Err: err}
}
