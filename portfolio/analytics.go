package portfolio

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/h8man13/h8man-finance-sub000/asset"
	"github.com/h8man13/h8man-finance-sub000/buckets"
)

// Snapshot renders the per-bucket compounded returns for period.
func (s *Service) Snapshot(ctx context.Context, uc *UserContext, period buckets.Period) (*SnapshotReport, error) {
	return s.report(ctx, uc.UserID, period)
}

// Summary composes the valued totals with the standard period returns. The
// boolean reports cost-basis fallback in the valuation.
func (s *Service) Summary(ctx context.Context, uc *UserContext) (*SummaryReport, bool, error) {
	v, err := s.valueUser(ctx, uc.UserID)
	if err != nil {
		return nil, false, err
	}

	twr := TWRSet{}
	for _, p := range []struct {
		period buckets.Period
		dest   **float64
	}{
		{buckets.Day, &twr.Day},
		{buckets.Week, &twr.Week},
		{buckets.Month, &twr.Month},
		{buckets.Year, &twr.Year},
	} {
		pct, err := s.periodTWR(ctx, uc.UserID, p.period)
		if err != nil {
			return nil, false, err
		}
		*p.dest = pct
	}

	return &SummaryReport{
		ValueEUR:  money(v.total),
		CashEUR:   money(v.cash),
		Positions: len(v.holdings),
		TWR:       twr,
	}, v.fallback, nil
}

// Breakdown slices the valuation by asset class. All three classes are
// always present so renderers get a stable shape.
func (s *Service) Breakdown(ctx context.Context, uc *UserContext) (*BreakdownReport, bool, error) {
	v, err := s.valueUser(ctx, uc.UserID)
	if err != nil {
		return nil, false, err
	}

	classes := make(map[string]ClassSlice, 3)
	for _, class := range asset.Supported() {
		value := v.byClass[class]
		classes[class.String()] = ClassSlice{
			ValueEUR:  money(value),
			WeightPct: classWeight(value, v.value),
		}
	}
	return &BreakdownReport{
		Classes:       classes,
		CashEUR:       money(v.cash),
		TotalValueEUR: money(v.total),
	}, v.fallback, nil
}

// Movers ranks held symbols by their period move, best first. The boolean
// reports degraded mode when market-data benchmarks are unavailable.
func (s *Service) Movers(ctx context.Context, uc *UserContext, period buckets.Period) (*MoversReport, bool, error) {
	positions, err := s.store.Positions(ctx, s.store.DB(), uc.UserID)
	if err != nil {
		return nil, false, err
	}
	out := &MoversReport{Period: string(period), Movers: []Mover{}}
	if len(positions) == 0 {
		return out, false, nil
	}
	if s.quotes == nil {
		return out, true, nil
	}

	symbols := make([]string, 0, len(positions))
	for i := range positions {
		symbols = append(symbols, positions[i].Symbol)
	}
	changes, err := s.quotes.PeriodChange(ctx, string(period), symbols)
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", uc.UserID).Msg("movers benchmarks unavailable")
		return out, true, nil
	}

	for sym, pct := range changes {
		out.Movers = append(out.Movers, Mover{Symbol: sym, Pct: pct})
	}
	sort.Slice(out.Movers, func(i, j int) bool {
		if out.Movers[i].Pct != out.Movers[j].Pct {
			return out.Movers[i].Pct > out.Movers[j].Pct
		}
		return out.Movers[i].Symbol < out.Movers[j].Symbol
	})
	return out, false, nil
}

// Digest is the compact period report: totals, the period return and the
// best and worst movers.
func (s *Service) Digest(ctx context.Context, uc *UserContext, period buckets.Period) (*DigestReport, bool, error) {
	v, err := s.valueUser(ctx, uc.UserID)
	if err != nil {
		return nil, false, err
	}
	twr, err := s.periodTWR(ctx, uc.UserID, period)
	if err != nil {
		return nil, false, err
	}

	out := &DigestReport{
		Period:   string(period),
		TWRPct:   twr,
		ValueEUR: money(v.total),
		CashEUR:  money(v.cash),
	}

	movers, degraded, err := s.Movers(ctx, uc, period)
	if err != nil {
		return nil, false, err
	}
	if n := len(movers.Movers); n > 0 {
		best := movers.Movers[0]
		worst := movers.Movers[n-1]
		out.Best = &best
		out.Worst = &worst
	}
	return out, v.fallback || degraded, nil
}

// WhatIf projects a percentage move on a slice of the portfolio. Scope is
// the whole non-cash book or one asset class; cash never moves.
func (s *Service) WhatIf(ctx context.Context, uc *UserContext, scope string, deltaPct float64) (*WhatIfReport, bool, error) {
	v, err := s.valueUser(ctx, uc.UserID)
	if err != nil {
		return nil, false, err
	}

	var slice decimal.Decimal
	switch scope {
	case "portfolio":
		slice = v.value
	case asset.Stock.String(), asset.ETF.String(), asset.Crypto.String():
		slice = v.byClass[asset.Class(scope)]
	default:
		return nil, false, errBadScope
	}

	delta := slice.Mul(decimal.NewFromFloat(deltaPct)).Div(decimal.NewFromInt(100)).Round(2)
	return &WhatIfReport{
		Scope:             scope,
		DeltaPct:          deltaPct,
		CurrentValueEUR:   money(v.total),
		ProjectedValueEUR: money(v.total.Add(delta)),
		DeltaEUR:          money(delta),
	}, v.fallback, nil
}
