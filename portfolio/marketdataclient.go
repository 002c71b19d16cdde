package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	finmath "github.com/h8man13/h8man-finance-sub000/common/math"
	"github.com/h8man13/h8man-finance-sub000/common/request"
	"github.com/h8man13/h8man-finance-sub000/envelope"
)

var errMarketDataDown = errors.New("market data service unavailable")

// MarketDataClient implements QuoteSource over the market-data HTTP surface.
type MarketDataClient struct {
	endpoint  string
	requester *request.Requester
}

// NewMarketDataClient returns a client for the market-data service at
// endpoint.
func NewMarketDataClient(endpoint string, timeout time.Duration) *MarketDataClient {
	return &MarketDataClient{
		endpoint: endpoint,
		requester: request.New("marketdata-client",
			&http.Client{Timeout: timeout}),
	}
}

func (c *MarketDataClient) getEnvelope(ctx context.Context, path string, values url.Values) (*envelope.Envelope, error) {
	var env envelope.Envelope
	var status int
	err := c.requester.SendPayload(ctx, func() (*request.Item, error) {
		return &request.Item{
			Method:         http.MethodGet,
			Path:           c.endpoint + path + "?" + values.Encode(),
			Result:         &env,
			StatusResponse: &status,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errMarketDataDown, err)
	}
	if !env.OK {
		return nil, fmt.Errorf("%w: %s", errMarketDataDown, env.ErrCode())
	}
	return &env, nil
}

// Quotes fetches EUR quotes for symbols. Partial upstream results come back
// as a smaller map; the caller treats absent symbols as unpriced.
func (c *MarketDataClient) Quotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}
	values := url.Values{}
	values.Set("symbols", strings.Join(symbols, ","))

	env, err := c.getEnvelope(ctx, "/quote", values)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Quotes []struct {
			Symbol    string  `json:"symbol"`
			Market    string  `json:"market"`
			Currency  string  `json:"currency"`
			PriceEUR  float64 `json:"price_eur"`
			Freshness string  `json:"freshness"`
		} `json:"quotes"`
	}
	if err := env.DecodeData(&payload); err != nil {
		return nil, fmt.Errorf("%w: %w", errMarketDataDown, err)
	}

	out := make(map[string]Quote, len(payload.Quotes))
	for _, q := range payload.Quotes {
		if q.PriceEUR <= 0 {
			continue
		}
		out[q.Symbol] = Quote{
			Symbol:    q.Symbol,
			Market:    q.Market,
			Currency:  q.Currency,
			PriceEUR:  decimal.NewFromFloat(q.PriceEUR),
			Freshness: q.Freshness,
		}
	}
	return out, nil
}

// Meta classifies a symbol through market-data /meta.
func (c *MarketDataClient) Meta(ctx context.Context, symbol string) (*Meta, error) {
	values := url.Values{}
	values.Set("symbol", symbol)

	env, err := c.getEnvelope(ctx, "/meta", values)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Symbol     string `json:"symbol"`
		AssetClass string `json:"asset_class"`
		Market     string `json:"market"`
		Currency   string `json:"currency"`
	}
	if err := env.DecodeData(&payload); err != nil {
		return nil, fmt.Errorf("%w: %w", errMarketDataDown, err)
	}
	return &Meta{
		Symbol:     payload.Symbol,
		AssetClass: payload.AssetClass,
		Market:     payload.Market,
		Currency:   payload.Currency,
	}, nil
}

// PeriodChange collapses the /benchmarks series into one percentage move per
// symbol. Day periods read n_pct; longer periods compound the bucket
// percentages.
func (c *MarketDataClient) PeriodChange(ctx context.Context, period string, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}
	values := url.Values{}
	values.Set("period", period)
	values.Set("symbols", strings.Join(symbols, ","))

	env, err := c.getEnvelope(ctx, "/benchmarks", values)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Benchmarks map[string]json.RawMessage `json:"benchmarks"`
	}
	if err := env.DecodeData(&payload); err != nil {
		return nil, fmt.Errorf("%w: %w", errMarketDataDown, err)
	}

	out := make(map[string]float64, len(payload.Benchmarks))
	for sym, raw := range payload.Benchmarks {
		pct, ok := collapseSeries(period, raw)
		if ok {
			out[sym] = pct
		}
	}
	return out, nil
}

func collapseSeries(period string, raw json.RawMessage) (float64, bool) {
	if period == "d" {
		var day struct {
			NowPct float64 `json:"n_pct"`
		}
		if err := json.Unmarshal(raw, &day); err != nil {
			return 0, false
		}
		return day.NowPct, true
	}

	var series []struct {
		Pct float64 `json:"pct"`
	}
	if err := json.Unmarshal(raw, &series); err != nil || len(series) == 0 {
		return 0, false
	}
	compound := 1.0
	for _, point := range series {
		compound *= 1 + point.Pct/100
	}
	return finmath.RoundFloat((compound-1)*100, 4), true
}
