package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/h8man13/h8man-finance-sub000/buckets"
	finmath "github.com/h8man13/h8man-finance-sub000/common/math"
	"github.com/h8man13/h8man-finance-sub000/marketdata/eodhd"
	"github.com/h8man13/h8man-finance-sub000/symbol"
)

// ErrBadPeriod is returned when the period token is not one of d/w/m/y.
var ErrBadPeriod = errors.New("invalid benchmark period")

// historyLookback widens history fetches so the first bucket still finds a
// baseline close across weekends and holidays.
const historyLookback = 14 * 24 * time.Hour

// Benchmarks aggregates per-symbol change series for one period. The day
// period reads real-time quotes; longer periods downsample daily history
// into the canonical bucket lists.
func (s *Service) Benchmarks(ctx context.Context, rawPeriod string, symbols []string) (*BenchmarksResult, error) {
	period, err := buckets.ParsePeriod(rawPeriod)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadPeriod, rawPeriod)
	}
	normalized, err := s.normalizeRequest(symbols)
	if err != nil {
		return nil, err
	}

	key := "bench:" + string(period) + ":" + symbol.JoinKey(normalized)
	if hit, ok := s.bench.Get(key); ok {
		benchCacheHits.Inc()
		return hit.(*BenchmarksResult), nil
	}
	benchCacheMisses.Inc()

	var result *BenchmarksResult
	if period == buckets.Day {
		result = s.dayBenchmarks(ctx, normalized)
	} else {
		result = s.seriesBenchmarks(ctx, period, normalized)
	}
	if len(result.Benchmarks) == 0 {
		upstreamFailures.WithLabelValues("benchmarks").Inc()
		return nil, fmt.Errorf("%w: no benchmark series resolved", ErrUpstreamFailed)
	}

	s.bench.Set(key, result, s.cfg.BenchTTL)
	return result, nil
}

// dayBenchmarks reads the live quote and reports the intraday move (n_pct,
// price against open) plus the opening gap (o_pct, open against previous
// close).
func (s *Service) dayBenchmarks(ctx context.Context, symbols []string) *BenchmarksResult {
	raw, err := s.upstream.RealTime(ctx, symbols)
	if err != nil {
		s.log.Warn().Err(err).Strs("symbols", symbols).Msg("benchmark batch fetch failed, retrying per symbol")
		raw = s.perSymbolFallback(ctx, symbols)
	}

	out := &BenchmarksResult{Benchmarks: make(map[string]any, len(raw))}
	present := make(map[string]bool, len(raw))
	for i := range raw {
		q := &raw[i]
		out.Benchmarks[q.Symbol] = DayChange{
			NowPct:  pctChange(q.Price, q.Open),
			OpenPct: pctChange(q.Open, q.PreviousClose),
		}
		present[q.Symbol] = true
	}
	for _, sym := range symbols {
		if !present[sym] {
			out.Failed = append(out.Failed, sym)
		}
	}
	return out
}

func (s *Service) seriesBenchmarks(ctx context.Context, period buckets.Period, symbols []string) *BenchmarksResult {
	slots, err := buckets.For(period, s.now())
	if err != nil {
		return &BenchmarksResult{Benchmarks: map[string]any{}}
	}

	earliest := slots[0]
	for _, b := range slots[1:] {
		if b.End.Before(earliest.End) {
			earliest = b
		}
	}
	from := prevBucketEnd(period, earliest).Add(-historyLookback)

	out := &BenchmarksResult{Benchmarks: make(map[string]any, len(symbols))}
	for _, sym := range symbols {
		bars, err := s.upstream.History(ctx, sym, from)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", sym).Msg("history fetch failed")
			out.Failed = append(out.Failed, sym)
			continue
		}
		out.Benchmarks[sym] = bucketSeries(slots, period, bars)
	}
	return out
}

// bucketSeries reports each bucket's move against the previous bucket
// boundary. Values are last-close-at-or-before the boundary; a bucket whose
// pair cannot be resolved reports 0.0. Presentation order follows the slot
// list unchanged.
func bucketSeries(slots []buckets.Bucket, period buckets.Period, bars []eodhd.Bar) []BucketPoint {
	index := newCloseIndex(bars)
	points := make([]BucketPoint, 0, len(slots))
	for _, b := range slots {
		cur, curOK := index.at(b.End)
		prev, prevOK := index.at(prevBucketEnd(period, b))
		pct := 0.0
		if curOK && prevOK {
			pct = pctChange(cur, prev)
		}
		points = append(points, BucketPoint{Label: b.Label, Pct: pct})
	}
	return points
}

// prevBucketEnd returns the boundary one bucket before b: the prior day for
// weeks, the prior Friday for months, the prior month end for years.
func prevBucketEnd(period buckets.Period, b buckets.Bucket) time.Time {
	switch period {
	case buckets.Week:
		return b.End.AddDate(0, 0, -1)
	case buckets.Month:
		return b.End.AddDate(0, 0, -7)
	case buckets.Year:
		loc := buckets.Location()
		local := b.End.In(loc)
		return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc).Add(-time.Second)
	}
	return b.End
}

type closePoint struct {
	day   time.Time
	value float64
}

// closeIndex answers last-close-at-or-before queries over daily bars.
type closeIndex []closePoint

func newCloseIndex(bars []eodhd.Bar) closeIndex {
	loc := buckets.Location()
	index := make(closeIndex, 0, len(bars))
	for i := range bars {
		day, err := bars[i].Day(loc)
		if err != nil {
			continue
		}
		index = append(index, closePoint{day: day, value: bars[i].Value()})
	}
	// Provider bar order is not guaranteed.
	sort.Slice(index, func(i, j int) bool { return index[i].day.Before(index[j].day) })
	return index
}

func (c closeIndex) at(t time.Time) (float64, bool) {
	i := sort.Search(len(c), func(i int) bool { return c[i].day.After(t) })
	if i == 0 {
		return 0, false
	}
	v := c[i-1].value
	return v, v != 0
}

// pctChange guards the zero baseline so callers render 0.0 instead of Inf.
func pctChange(now, then float64) float64 {
	if then == 0 {
		return 0
	}
	return finmath.RoundFloat(finmath.CalculatePercentageGainOrLoss(now, then), 4)
}
