// Package eodhd implements the upstream market-data provider client: batched
// real-time quotes and daily history, with tolerant decoding of the
// provider's field-name variants.
package eodhd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/sony/gobreaker"

	"github.com/h8man13/h8man-finance-sub000/common/convert"
	"github.com/h8man13/h8man-finance-sub000/common/request"
	"github.com/h8man13/h8man-finance-sub000/symbol"
)

// Field variants seen across provider plans and endpoints.
var (
	symbolFields    = []string{"code", "symbol", "ticker"}
	priceFields     = []string{"close", "price", "last"}
	timestampFields = []string{"timestamp", "ts"}
	prevCloseFields = []string{"previousClose", "prev_close", "previous_close"}
)

// NewClient returns a configured EODHD client. Requests are rate limited to
// stay inside the provider's per-minute quota and guarded by a circuit
// breaker so a dead upstream fails fast.
func NewClient(apiKey, endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = defaultAPIEndpoint
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		name:     "EODHD",
		apiKey:   apiKey,
		endpoint: strings.TrimRight(endpoint, "/"),
	}
	c.requester = request.New(c.name,
		&http.Client{Timeout: timeout},
		request.WithBackoff(request.DefaultBackoff()),
		request.WithLimiter(request.NewBasicRateLimit(time.Minute, 60)),
	)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    c.name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return c
}

// RealTime fetches quotes for normalized symbols in one batch request. The
// returned slice holds only symbols that answered with a usable price, keyed
// back to the caller's symbol form.
func (c *Client) RealTime(ctx context.Context, symbols []string) ([]Quote, error) {
	if len(symbols) == 0 {
		return nil, errEmptySymbolList
	}

	upstream := make([]string, len(symbols))
	requested := make(map[string]string, len(symbols))
	for i := range symbols {
		upstream[i] = upstreamSymbol(symbols[i])
		requested[upstream[i]] = symbols[i]
	}

	v := url.Values{}
	v.Set("api_token", c.apiKey)
	v.Set("fmt", "json")
	if len(upstream) > 1 {
		v.Set("s", strings.Join(upstream[1:], ","))
	}
	path := fmt.Sprintf("%s/%s/%s?%s", c.endpoint, realTimeEndpoint, upstream[0], v.Encode())

	raw, err := c.fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	quotes := parseQuotePayload(raw, requested)
	if len(quotes) == 0 {
		return nil, ErrNoQuote
	}
	return quotes, nil
}

// History fetches daily bars for one symbol from a start date inclusive.
func (c *Client) History(ctx context.Context, sym string, from time.Time) ([]Bar, error) {
	v := url.Values{}
	v.Set("api_token", c.apiKey)
	v.Set("fmt", "json")
	v.Set("period", "d")
	v.Set("from", from.Format("2006-01-02"))
	path := fmt.Sprintf("%s/%s/%s?%s", c.endpoint, historyEndpoint, upstreamSymbol(sym), v.Encode())

	raw, err := c.fetch(ctx, path)
	if err != nil {
		return nil, err
	}

	var bars []Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("history decode: %w", err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoHistory, sym)
	}
	return bars, nil
}

func (c *Client) fetch(ctx context.Context, path string) (json.RawMessage, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		var raw json.RawMessage
		var status int
		err := c.requester.SendPayload(ctx, func() (*request.Item, error) {
			return &request.Item{
				Method:         http.MethodGet,
				Path:           path,
				Result:         &raw,
				StatusResponse: &status,
				Verbose:        c.verbose,
			}, nil
		})
		switch status {
		case http.StatusOK:
			if err != nil {
				return nil, err
			}
			return raw, nil
		case http.StatusNotFound:
			return nil, ErrNoQuote
		case 0:
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %d", errUnexpectedStatus, status)
		}
	})
	if err != nil {
		return nil, err
	}
	raw, ok := out.(json.RawMessage)
	if !ok {
		return nil, ErrNoQuote
	}
	return raw, nil
}

// upstreamSymbol maps a normalized symbol to the provider's ticker space.
// Crypto pairs gain the .CC suffix; everything else passes through.
func upstreamSymbol(sym string) string {
	if symbol.IsCrypto(sym) {
		return sym + cryptoSuffix
	}
	return sym
}

// parseQuotePayload decodes a single object or an array of quote objects,
// dropping entries without a usable price.
func parseQuotePayload(raw []byte, requested map[string]string) []Quote {
	var out []Quote
	add := func(data []byte) {
		q, err := parseQuote(data)
		if err != nil {
			return
		}
		if orig, ok := requested[q.Symbol]; ok {
			q.Symbol = orig
		} else {
			q.Symbol = strings.TrimSuffix(q.Symbol, cryptoSuffix)
		}
		out = append(out, q)
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		//nolint:errcheck // malformed elements are skipped by add
		jsonparser.ArrayEach(raw, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
			add(value)
		})
		return out
	}
	add(raw)
	return out
}

// parseQuote coerces one quote object into the stable shape. A missing or
// non-numeric price ("NA") fails the whole entry.
func parseQuote(data []byte) (Quote, error) {
	var q Quote

	for _, f := range symbolFields {
		if s, err := jsonparser.GetString(data, f); err == nil && s != "" {
			q.Symbol = strings.ToUpper(s)
			break
		}
	}
	if q.Symbol == "" {
		return q, ErrNoQuote
	}

	price, ok := floatField(data, priceFields...)
	if !ok || price <= 0 {
		return q, fmt.Errorf("%w: %s", ErrNoQuote, q.Symbol)
	}
	q.Price = price

	if open, ok := floatField(data, "open"); ok {
		q.Open = open
	}
	if prev, ok := floatField(data, prevCloseFields...); ok {
		q.PreviousClose = prev
	}
	if ts, ok := timestampField(data); ok {
		q.Timestamp = ts
	}
	if ccy, err := jsonparser.GetString(data, "currency"); err == nil {
		q.Currency = strings.ToUpper(ccy)
	}
	if eod, err := jsonparser.GetBoolean(data, "eod"); err == nil {
		q.EOD = eod
	}
	if delayed, err := jsonparser.GetBoolean(data, "delayed"); err == nil {
		q.Delayed = delayed
	}
	return q, nil
}

func floatField(data []byte, fields ...string) (float64, bool) {
	for _, f := range fields {
		if v, err := jsonparser.GetFloat(data, f); err == nil {
			return v, true
		}
	}
	return 0, false
}

func timestampField(data []byte) (time.Time, bool) {
	for _, f := range timestampFields {
		if v, err := jsonparser.GetInt(data, f); err == nil && v > 0 {
			return convert.UnixTimestampToTime(v).UTC(), true
		}
		// Some plans serialize the timestamp as a string.
		if s, err := jsonparser.GetString(data, f); err == nil {
			if t, err := convert.UnixTimestampStrToTime(s); err == nil && t.Unix() > 0 {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
