// Package marketdata aggregates quote, metadata and benchmark lookups over
// the upstream provider, with short-lived in-process caches and EUR
// normalization via the FX service.
package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/h8man13/h8man-finance-sub000/symbol"
)

// Quotes resolves a batch of symbols to stabilized quotes. Results are
// cached by the joined normalized list; on a miss the upstream is asked once
// as a batch with a per-symbol fallback when the batch call dies.
func (s *Service) Quotes(ctx context.Context, symbols []string) (*QuotesResult, error) {
	normalized, err := s.normalizeRequest(symbols)
	if err != nil {
		return nil, err
	}

	key := "quotes:" + symbol.JoinKey(normalized)
	if hit, ok := s.quotes.Get(key); ok {
		quoteCacheHits.Inc()
		return hit.(*QuotesResult), nil
	}
	quoteCacheMisses.Inc()

	raw, err := s.upstream.RealTime(ctx, normalized)
	if err != nil {
		s.log.Warn().Err(err).Strs("symbols", normalized).Msg("batch quote fetch failed, retrying per symbol")
		raw = s.perSymbolFallback(ctx, normalized)
	}
	if len(raw) == 0 {
		upstreamFailures.WithLabelValues("quotes").Inc()
		return nil, fmt.Errorf("%w: no symbols survived", ErrUpstreamFailed)
	}

	rate := s.usdEurRate(ctx, raw)

	result := &QuotesResult{Quotes: make([]OutQuote, 0, len(raw))}
	present := make(map[string]bool, len(raw))
	now := s.now()
	for i := range raw {
		result.Quotes = append(result.Quotes, s.composeQuote(&raw[i], rate, now))
		present[raw[i].Symbol] = true
	}
	for _, sym := range normalized {
		if !present[sym] {
			result.Failed = append(result.Failed, sym)
		}
	}

	s.quotes.Set(key, result, s.cfg.QuotesTTL)
	return result, nil
}

// Meta classifies one symbol. The inference is cheap but callers poll it, so
// results sit in a long-lived cache.
func (s *Service) Meta(_ context.Context, rawSym string) (*MetaResult, error) {
	if strings.TrimSpace(rawSym) == "" {
		return nil, ErrNoSymbols
	}
	sym := symbol.Normalize(rawSym)

	key := "meta:" + sym
	if hit, ok := s.meta.Get(key); ok {
		metaCacheHits.Inc()
		return hit.(*MetaResult), nil
	}
	metaCacheMisses.Inc()

	class, market, currency := symbol.InferMeta(sym)
	result := &MetaResult{
		Symbol:     sym,
		AssetClass: class.String(),
		Market:     market,
		Currency:   currency,
	}
	s.meta.Set(key, result, s.cfg.MetaTTL)
	return result, nil
}

func (s *Service) normalizeRequest(symbols []string) ([]string, error) {
	cleaned := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for i := range symbols {
		raw := strings.TrimSpace(symbols[i])
		if raw == "" {
			continue
		}
		sym := symbol.Normalize(raw)
		if seen[sym] {
			continue
		}
		seen[sym] = true
		cleaned = append(cleaned, sym)
	}
	if len(cleaned) == 0 {
		return nil, ErrNoSymbols
	}
	if len(cleaned) > s.cfg.MaxSymbols {
		return nil, fmt.Errorf("%w: %d requested, %d allowed", ErrTooManySymbols, len(cleaned), s.cfg.MaxSymbols)
	}
	return cleaned, nil
}

func (s *Service) perSymbolFallback(ctx context.Context, symbols []string) []quoteRow {
	out := make([]quoteRow, 0, len(symbols))
	for _, sym := range symbols {
		quotes, err := s.upstream.RealTime(ctx, []string{sym})
		if err != nil || len(quotes) == 0 {
			continue
		}
		out = append(out, quotes[0])
	}
	return out
}

// usdEurRate fetches the conversion rate once per batch, and only when a
// USD-priced quote actually needs it. A zero return disables conversion.
func (s *Service) usdEurRate(ctx context.Context, quotes []quoteRow) float64 {
	needed := false
	for i := range quotes {
		if s.quoteCurrency(&quotes[i]) == "USD" {
			needed = true
			break
		}
	}
	if !needed {
		return 0
	}

	rate, err := s.fxRates.USDEUR(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("usd/eur rate unavailable, eur fields omitted")
		return 0
	}
	return rate
}

func (s *Service) quoteCurrency(q *quoteRow) string {
	if q.Currency != "" {
		return q.Currency
	}
	_, _, currency := symbol.InferMeta(q.Symbol)
	return currency
}

func (s *Service) composeQuote(q *quoteRow, usdEur float64, now time.Time) OutQuote {
	currency := s.quoteCurrency(q)
	market := symbol.Market(q.Symbol)
	freshness, note := classifyFreshness(market, q.Timestamp, q.EOD, q.Delayed, now)

	out := OutQuote{
		Symbol:        q.Symbol,
		Market:        market,
		Currency:      currency,
		Price:         q.Price,
		Open:          q.Open,
		Provider:      ProviderName,
		Freshness:     freshness,
		FreshnessNote: note,
	}
	if !q.Timestamp.IsZero() {
		out.TS = q.Timestamp.UTC().Format(time.RFC3339)
	}

	switch currency {
	case "EUR":
		out.PriceEUR = q.Price
		out.OpenEUR = q.Open
	case "USD":
		if usdEur > 0 {
			out.PriceEUR = toEUR(q.Price, usdEur)
			out.OpenEUR = toEUR(q.Open, usdEur)
		}
	}
	return out
}

// toEUR converts with decimal arithmetic and quantizes to four places; the
// wire carries plain numbers.
func toEUR(value, rate float64) float64 {
	if value == 0 {
		return 0
	}
	converted := decimal.NewFromFloat(value).
		Mul(decimal.NewFromFloat(rate)).
		Round(4)
	f, _ := converted.Float64()
	return f
}
