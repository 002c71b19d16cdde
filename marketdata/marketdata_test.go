package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h8man13/h8man-finance-sub000/common/webserver"
	"github.com/h8man13/h8man-finance-sub000/config"
	"github.com/h8man13/h8man-finance-sub000/envelope"
	"github.com/h8man13/h8man-finance-sub000/marketdata/eodhd"
)

type stubUpstream struct {
	quotes    map[string]eodhd.Quote
	history   map[string][]eodhd.Bar
	failBatch bool

	realTimeCalls int
	historyCalls  int
}

func (s *stubUpstream) RealTime(_ context.Context, symbols []string) ([]eodhd.Quote, error) {
	s.realTimeCalls++
	if s.failBatch && len(symbols) > 1 {
		return nil, errors.New("batch rejected")
	}
	out := make([]eodhd.Quote, 0, len(symbols))
	for _, sym := range symbols {
		if q, ok := s.quotes[sym]; ok {
			out = append(out, q)
		}
	}
	if len(out) == 0 {
		return nil, eodhd.ErrNoQuote
	}
	return out, nil
}

func (s *stubUpstream) History(_ context.Context, sym string, _ time.Time) ([]eodhd.Bar, error) {
	s.historyCalls++
	bars, ok := s.history[sym]
	if !ok {
		return nil, eodhd.ErrNoHistory
	}
	return bars, nil
}

type stubRates struct {
	rate  float64
	err   error
	calls int
}

func (s *stubRates) USDEUR(context.Context) (float64, error) {
	s.calls++
	return s.rate, s.err
}

func newTestService(t *testing.T, upstream Provider, rates RateSource) *Service {
	t.Helper()
	cfg := &config.MarketData{
		ProviderURL:   "http://provider.invalid",
		FXURL:         "http://fx.invalid",
		TelegramToken: "12345:testtoken",
	}
	require.NoError(t, cfg.Validate())
	return NewService(cfg, upstream, rates, nil, zerolog.Nop())
}

func bar(date string, value float64) eodhd.Bar {
	return eodhd.Bar{Date: date, Close: value}
}

func TestQuotesComposesAndConverts(t *testing.T) {
	t.Parallel()
	ts := time.Date(2025, 6, 11, 15, 0, 0, 0, time.UTC)
	upstream := &stubUpstream{quotes: map[string]eodhd.Quote{
		"AAPL.US":    {Symbol: "AAPL.US", Price: 100, Open: 98, Timestamp: ts},
		"VWCE.XETRA": {Symbol: "VWCE.XETRA", Price: 50, Open: 49.5, Currency: "EUR", Timestamp: ts},
	}}
	rates := &stubRates{rate: 0.9}
	svc := newTestService(t, upstream, rates)
	svc.now = func() time.Time { return ts.Add(5 * time.Minute) }

	result, err := svc.Quotes(context.Background(), []string{"aapl", "VWCE.XETRA"})
	require.NoError(t, err)
	require.Len(t, result.Quotes, 2)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 1, rates.calls, "one fx call per batch")

	bySym := map[string]OutQuote{}
	for _, q := range result.Quotes {
		bySym[q.Symbol] = q
	}

	aapl := bySym["AAPL.US"]
	assert.Equal(t, "US", aapl.Market)
	assert.Equal(t, "USD", aapl.Currency)
	assert.Equal(t, 90.0, aapl.PriceEUR)
	assert.Equal(t, 88.2, aapl.OpenEUR)
	assert.Equal(t, "eodhd", aapl.Provider)
	assert.Equal(t, FreshnessLive, aapl.Freshness)
	assert.Equal(t, "2025-06-11T15:00:00Z", aapl.TS)

	vwce := bySym["VWCE.XETRA"]
	assert.Equal(t, "EUR", vwce.Currency)
	assert.Equal(t, 50.0, vwce.PriceEUR, "EUR quotes convert 1:1")
}

func TestQuotesCacheHit(t *testing.T) {
	t.Parallel()
	upstream := &stubUpstream{quotes: map[string]eodhd.Quote{
		"AAPL.US": {Symbol: "AAPL.US", Price: 100},
	}}
	svc := newTestService(t, upstream, &stubRates{rate: 0.9})

	_, err := svc.Quotes(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	_, err = svc.Quotes(context.Background(), []string{"aapl"})
	require.NoError(t, err)
	assert.Equal(t, 1, upstream.realTimeCalls, "second read is a cache hit")
}

func TestQuotesPartialResult(t *testing.T) {
	t.Parallel()
	upstream := &stubUpstream{quotes: map[string]eodhd.Quote{
		"AAPL.US": {Symbol: "AAPL.US", Price: 100},
	}}
	svc := newTestService(t, upstream, &stubRates{rate: 0.9})

	result, err := svc.Quotes(context.Background(), []string{"AAPL.US", "MISS.US"})
	require.NoError(t, err)
	require.Len(t, result.Quotes, 1)
	assert.Equal(t, []string{"MISS.US"}, result.Failed)
}

func TestQuotesBatchFallsBackPerSymbol(t *testing.T) {
	t.Parallel()
	upstream := &stubUpstream{
		failBatch: true,
		quotes: map[string]eodhd.Quote{
			"AAPL.US": {Symbol: "AAPL.US", Price: 100},
			"MSFT.US": {Symbol: "MSFT.US", Price: 200},
		},
	}
	svc := newTestService(t, upstream, &stubRates{rate: 0.9})

	result, err := svc.Quotes(context.Background(), []string{"AAPL.US", "MSFT.US"})
	require.NoError(t, err)
	assert.Len(t, result.Quotes, 2)
	assert.Equal(t, 3, upstream.realTimeCalls, "one failed batch plus two singles")
}

func TestQuotesFXDownOmitsEURFields(t *testing.T) {
	t.Parallel()
	upstream := &stubUpstream{quotes: map[string]eodhd.Quote{
		"AAPL.US": {Symbol: "AAPL.US", Price: 100, Open: 98},
	}}
	svc := newTestService(t, upstream, &stubRates{err: errors.New("fx down")})

	result, err := svc.Quotes(context.Background(), []string{"AAPL.US"})
	require.NoError(t, err, "fx outage degrades, never fails the quote")
	require.Len(t, result.Quotes, 1)
	assert.Zero(t, result.Quotes[0].PriceEUR)
	assert.Zero(t, result.Quotes[0].OpenEUR)
	assert.Equal(t, 100.0, result.Quotes[0].Price)
}

func TestQuotesSymbolCap(t *testing.T) {
	t.Parallel()
	quotes := make(map[string]eodhd.Quote, 11)
	tenSyms := make([]string, 0, 10)
	for i := 0; i < 11; i++ {
		sym := fmt.Sprintf("S%02d.US", i)
		quotes[sym] = eodhd.Quote{Symbol: sym, Price: 1}
		if i < 10 {
			tenSyms = append(tenSyms, sym)
		}
	}
	svc := newTestService(t, &stubUpstream{quotes: quotes}, &stubRates{rate: 0.9})

	_, err := svc.Quotes(context.Background(), tenSyms)
	require.NoError(t, err, "ten symbols is the inclusive cap")

	eleven := append(tenSyms, "S10.US")
	_, err = svc.Quotes(context.Background(), eleven)
	assert.ErrorIs(t, err, ErrTooManySymbols)

	_, err = svc.Quotes(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSymbols)
}

func TestQuotesDedupes(t *testing.T) {
	t.Parallel()
	upstream := &stubUpstream{quotes: map[string]eodhd.Quote{
		"AAPL.US": {Symbol: "AAPL.US", Price: 100},
	}}
	svc := newTestService(t, upstream, &stubRates{rate: 0.9})

	result, err := svc.Quotes(context.Background(), []string{"aapl", "AAPL.US", " AAPL "})
	require.NoError(t, err)
	assert.Len(t, result.Quotes, 1)
}

func TestMetaInference(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, &stubUpstream{}, &stubRates{rate: 0.9})
	ctx := context.Background()

	meta, err := svc.Meta(ctx, "btc-usd")
	require.NoError(t, err)
	assert.Equal(t, "crypto", meta.AssetClass)
	assert.Equal(t, "CC", meta.Market)
	assert.Equal(t, "USD", meta.Currency)

	meta, err = svc.Meta(ctx, "vwce.xetra")
	require.NoError(t, err)
	assert.Equal(t, "etf", meta.AssetClass)
	assert.Equal(t, "EUR", meta.Currency)

	meta, err = svc.Meta(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL.US", meta.Symbol)
	assert.Equal(t, "stock", meta.AssetClass)
	assert.Equal(t, "US", meta.Market)

	_, err = svc.Meta(ctx, "  ")
	assert.ErrorIs(t, err, ErrNoSymbols)
}

func TestBenchmarksDay(t *testing.T) {
	t.Parallel()
	upstream := &stubUpstream{quotes: map[string]eodhd.Quote{
		"AAPL.US": {Symbol: "AAPL.US", Price: 110, Open: 100, PreviousClose: 95},
	}}
	svc := newTestService(t, upstream, &stubRates{rate: 0.9})

	result, err := svc.Benchmarks(context.Background(), "d", []string{"AAPL.US"})
	require.NoError(t, err)

	change, ok := result.Benchmarks["AAPL.US"].(DayChange)
	require.True(t, ok)
	assert.Equal(t, 10.0, change.NowPct)
	assert.Equal(t, 5.2632, change.OpenPct)
}

func TestBenchmarksWeek(t *testing.T) {
	t.Parallel()
	// Wednesday; the 7-day window spans Thu Jun 5 .. Wed Jun 11.
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	upstream := &stubUpstream{history: map[string][]eodhd.Bar{
		"AAPL.US": {
			bar("2025-06-02", 100),
			bar("2025-06-03", 101),
			bar("2025-06-04", 102),
			bar("2025-06-05", 103),
			bar("2025-06-06", 104),
			bar("2025-06-09", 105),
			bar("2025-06-10", 106),
			bar("2025-06-11", 107),
		},
	}}
	svc := newTestService(t, upstream, &stubRates{rate: 0.9})
	svc.now = func() time.Time { return now }

	result, err := svc.Benchmarks(context.Background(), "w", []string{"AAPL.US"})
	require.NoError(t, err)

	series, ok := result.Benchmarks["AAPL.US"].([]BucketPoint)
	require.True(t, ok)
	require.Len(t, series, 7)

	labels := make([]string, 0, 7)
	for _, p := range series {
		labels = append(labels, p.Label)
	}
	assert.Equal(t, []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}, labels)

	byLabel := map[string]float64{}
	for _, p := range series {
		byLabel[p.Label] = p.Pct
	}
	assert.Equal(t, 0.9615, byLabel["Mon"])
	assert.Equal(t, 0.9434, byLabel["Wed"])
	assert.Equal(t, 0.9804, byLabel["Thu"])
	assert.Zero(t, byLabel["Sat"], "non-trading days carry the prior close")
	assert.Zero(t, byLabel["Sun"])
}

func TestBenchmarksMonth(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	upstream := &stubUpstream{history: map[string][]eodhd.Bar{
		"SPY.US": {
			bar("2025-05-16", 90),
			bar("2025-05-23", 92),
			bar("2025-05-30", 94),
			bar("2025-06-06", 96),
			bar("2025-06-11", 97),
		},
	}}
	svc := newTestService(t, upstream, &stubRates{rate: 0.9})
	svc.now = func() time.Time { return now }

	result, err := svc.Benchmarks(context.Background(), "m", []string{"SPY.US"})
	require.NoError(t, err)

	series, ok := result.Benchmarks["SPY.US"].([]BucketPoint)
	require.True(t, ok)
	require.Len(t, series, 4)

	assert.Equal(t, "W-3", series[0].Label)
	assert.Equal(t, "W0", series[3].Label)
	assert.Equal(t, 2.2222, series[0].Pct)
	assert.Equal(t, 2.1739, series[1].Pct)
	assert.Equal(t, 2.1277, series[2].Pct)
	assert.Equal(t, 1.0417, series[3].Pct, "current week falls back to latest close")
}

func TestBenchmarksYear(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	upstream := &stubUpstream{history: map[string][]eodhd.Bar{
		"SPY.US": {
			bar("2024-12-30", 200),
			bar("2025-01-31", 210),
			bar("2025-02-28", 220),
			bar("2025-03-14", 230),
		},
	}}
	svc := newTestService(t, upstream, &stubRates{rate: 0.9})
	svc.now = func() time.Time { return now }

	result, err := svc.Benchmarks(context.Background(), "y", []string{"SPY.US"})
	require.NoError(t, err)

	series, ok := result.Benchmarks["SPY.US"].([]BucketPoint)
	require.True(t, ok)
	require.Len(t, series, 3)
	assert.Equal(t, []BucketPoint{
		{Label: "Jan", Pct: 5.0},
		{Label: "Feb", Pct: 4.7619},
		{Label: "Mar", Pct: 4.5455},
	}, series)
}

func TestBenchmarksPartialOnHistoryFailure(t *testing.T) {
	t.Parallel()
	upstream := &stubUpstream{history: map[string][]eodhd.Bar{
		"SPY.US": {bar("2025-06-06", 96), bar("2025-06-11", 97)},
	}}
	svc := newTestService(t, upstream, &stubRates{rate: 0.9})

	result, err := svc.Benchmarks(context.Background(), "w", []string{"SPY.US", "MISS.US"})
	require.NoError(t, err)
	assert.Contains(t, result.Benchmarks, "SPY.US")
	assert.Equal(t, []string{"MISS.US"}, result.Failed)
}

func TestBenchmarksBadPeriod(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, &stubUpstream{}, &stubRates{rate: 0.9})

	_, err := svc.Benchmarks(context.Background(), "q", []string{"AAPL.US"})
	assert.ErrorIs(t, err, ErrBadPeriod)
}

func TestClassifyFreshness(t *testing.T) {
	t.Parallel()
	nyNoon := time.Date(2025, 6, 11, 16, 0, 0, 0, time.UTC) // 12:00 in New York

	tests := []struct {
		name    string
		market  string
		quoteTS time.Time
		eod     bool
		delayed bool
		now     time.Time
		label   string
		note    string
	}{
		{
			name: "eod flag wins", market: "US",
			quoteTS: nyNoon, eod: true, now: nyNoon,
			label: FreshnessPreviousClose, note: NoteEndOfDay,
		},
		{
			name: "delayed flag wins", market: "US",
			quoteTS: nyNoon, delayed: true, now: nyNoon,
			label: FreshnessPreviousClose, note: NoteEndOfDay,
		},
		{
			name: "same day during session", market: "US",
			quoteTS: nyNoon, now: nyNoon.Add(5 * time.Minute),
			label: FreshnessLive, note: NoteRegularSession,
		},
		{
			name: "same day before open", market: "US",
			quoteTS: time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC), // 08:00 NY
			now:     time.Date(2025, 6, 11, 12, 5, 0, 0, time.UTC),
			label:   FreshnessPreviousClose, note: NoteLastTradingDay,
		},
		{
			name: "stale quote", market: "US",
			quoteTS: nyNoon.AddDate(0, 0, -1), now: nyNoon,
			label: FreshnessPreviousClose, note: NoteLastTradingDay,
		},
		{
			name: "crypto trades around the clock", market: "CC",
			quoteTS: time.Date(2025, 6, 11, 0, 30, 0, 0, time.UTC),
			now:     time.Date(2025, 6, 11, 0, 35, 0, 0, time.UTC),
			label:   FreshnessLive, note: NoteRegularSession,
		},
		{
			name: "unknown market defaults to US hours", market: "ZZ",
			quoteTS: nyNoon, now: nyNoon.Add(5 * time.Minute),
			label: FreshnessLive, note: NoteRegularSession,
		},
		{
			name: "zero timestamp is never live", market: "US",
			now:   nyNoon,
			label: FreshnessPreviousClose, note: NoteLastTradingDay,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			label, note := classifyFreshness(tt.market, tt.quoteTS, tt.eod, tt.delayed, tt.now)
			assert.Equal(t, tt.label, label)
			assert.Equal(t, tt.note, note)
		})
	}
}

func newTestServer(t *testing.T, svc *Service) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(webserver.NewRouter(serviceName, zerolog.Nop(), svc.Routes()))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPQuotePartial(t *testing.T) {
	t.Parallel()
	upstream := &stubUpstream{quotes: map[string]eodhd.Quote{
		"AAPL.US": {Symbol: "AAPL.US", Price: 100},
	}}
	srv := newTestServer(t, newTestService(t, upstream, &stubRates{rate: 0.9}))

	resp, err := srv.Client().Get(srv.URL + "/quote?symbols=AAPL.US,MISS.US")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var env envelope.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.True(t, env.OK)
	assert.True(t, env.Partial)
	require.NotNil(t, env.Error)
	assert.Equal(t, envelope.CodeUpstreamError, env.Error.Code)
	assert.Equal(t, []any{"MISS.US"}, env.Error.Details["symbols_failed"])

	var data QuotesResult
	require.NoError(t, env.DecodeData(&data))
	assert.Len(t, data.Quotes, 1)
}

func TestHTTPQuoteSymbolCap(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newTestService(t, &stubUpstream{}, &stubRates{rate: 0.9}))

	syms := make([]string, 11)
	for i := range syms {
		syms[i] = fmt.Sprintf("S%02d.US", i)
	}
	resp, err := srv.Client().Get(srv.URL + "/quote?symbols=" + strings.Join(syms, ","))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)

	var env envelope.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NotNil(t, env.Error)
	assert.Equal(t, envelope.CodeBadInput, env.Error.Code)
}

func TestHTTPQuoteUpstreamDown(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newTestService(t, &stubUpstream{}, &stubRates{rate: 0.9}))

	resp, err := srv.Client().Get(srv.URL + "/quote?symbols=MISS.US")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 502, resp.StatusCode)
}

func TestHTTPBenchmarksBadPeriod(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newTestService(t, &stubUpstream{}, &stubRates{rate: 0.9}))

	resp, err := srv.Client().Get(srv.URL + "/benchmarks?period=x&symbols=AAPL.US")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHTTPMeta(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newTestService(t, &stubUpstream{}, &stubRates{rate: 0.9}))

	resp, err := srv.Client().Get(srv.URL + "/meta?symbol=vwce.xetra")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var env envelope.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.True(t, env.OK)

	var meta MetaResult
	require.NoError(t, env.DecodeData(&meta))
	assert.Equal(t, "VWCE.XETRA", meta.Symbol)
	assert.Equal(t, "etf", meta.AssetClass)
}
