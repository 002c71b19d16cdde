package portfolio

import (
	"context"
	"errors"
	"time"

	"github.com/volatiletech/null"

	"github.com/h8man13/h8man-finance-sub000/buckets"
	finmath "github.com/h8man13/h8man-finance-sub000/common/math"
	"github.com/h8man13/h8man-finance-sub000/portfolio/ledger"
)

// refreshSnapshot revalues the user and upserts today's snapshot row. The
// daily return is flow-adjusted against the latest prior snapshot:
//
//	r_t = (V_t - F_t)/V_{t-1} - 1
//
// zero when the prior value is a known zero, null when no prior day exists.
func (s *Service) refreshSnapshot(ctx context.Context, userID int64) error {
	now := s.now()
	date := buckets.LocalDate(now)

	v, err := s.valueUser(ctx, userID)
	if err != nil {
		return err
	}

	dayStart := buckets.StartOfDay(now)
	flows, err := s.store.CashFlows(ctx, s.store.DB(), userID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	snap := &ledger.Snapshot{
		UserID:   userID,
		Date:     date,
		ValueEUR: v.total.Round(2),
		FlowsEUR: flows.Round(2),
	}

	prev, err := s.store.LatestSnapshotBefore(ctx, s.store.DB(), userID, date)
	switch {
	case err == nil:
		if prev.ValueEUR.IsPositive() {
			ratio, _ := v.total.Sub(flows).Div(prev.ValueEUR).Float64()
			snap.DailyR = null.Float64From(ratio - 1)
		} else {
			snap.DailyR = null.Float64From(0)
		}
	case errors.Is(err, ledger.ErrSnapshotNotFound):
		// First tracked day; the return is unknowable.
	default:
		return err
	}

	if err := s.store.UpsertSnapshot(ctx, s.store.DB(), snap); err != nil {
		return err
	}
	snapshotWrites.Inc()
	return nil
}

// bucketWindow returns the inclusive Berlin date range a report bucket
// compounds over.
func bucketWindow(p buckets.Period, b buckets.Bucket) (from, to string) {
	switch p {
	case buckets.Month:
		// One ISO week, Saturday through Friday.
		return buckets.LocalDate(b.End.AddDate(0, 0, -6)), buckets.LocalDate(b.End)
	case buckets.Year:
		first := time.Date(b.End.Year(), b.End.Month(), 1, 0, 0, 0, 0, buckets.Location())
		return buckets.LocalDate(first), buckets.LocalDate(b.End)
	default:
		day := buckets.LocalDate(b.End)
		return day, day
	}
}

// dailyReturns loads the snapshot daily returns between two dates keyed by
// date. Null returns are omitted.
func (s *Service) dailyReturns(ctx context.Context, userID int64, from, to string) (map[string]float64, error) {
	snaps, err := s.store.SnapshotsBetween(ctx, s.store.DB(), userID, from, to)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(snaps))
	for i := range snaps {
		if snaps[i].DailyR.Valid {
			out[snaps[i].Date] = snaps[i].DailyR.Float64
		}
	}
	return out, nil
}

// compoundWindow multiplies the daily returns inside [from, to]. The boolean
// reports whether any return contributed.
func compoundWindow(returns map[string]float64, from, to string) (float64, bool) {
	product := 1.0
	hit := false
	for date, r := range returns {
		if date < from || date > to {
			continue
		}
		product *= 1 + r
		hit = true
	}
	if !hit {
		return 0, false
	}
	return finmath.RoundFloat((product-1)*100, 4), true
}

// report compounds the user's daily returns into the canonical buckets for
// the period. Buckets without any tracked day render 0.0.
func (s *Service) report(ctx context.Context, userID int64, period buckets.Period) (*SnapshotReport, error) {
	slots, err := buckets.For(period, s.now())
	if err != nil {
		return nil, err
	}

	earliest, latest := "", ""
	windows := make([][2]string, len(slots))
	for i, b := range slots {
		from, to := bucketWindow(period, b)
		windows[i] = [2]string{from, to}
		if earliest == "" || from < earliest {
			earliest = from
		}
		if to > latest {
			latest = to
		}
	}

	returns, err := s.dailyReturns(ctx, userID, earliest, latest)
	if err != nil {
		return nil, err
	}

	out := &SnapshotReport{Period: string(period), Buckets: make([]ReportBucket, 0, len(slots))}
	for i, b := range slots {
		pct, _ := compoundWindow(returns, windows[i][0], windows[i][1])
		out.Buckets = append(out.Buckets, ReportBucket{Label: b.Label, Pct: pct})
	}
	return out, nil
}

// periodTWR computes the whole-window return for one standard period ending
// today, nil when no tracked day falls inside.
func (s *Service) periodTWR(ctx context.Context, userID int64, period buckets.Period) (*float64, error) {
	now := s.now()
	today := buckets.LocalDate(now)

	var from string
	switch period {
	case buckets.Day:
		from = today
	case buckets.Week:
		from = buckets.LocalDate(now.In(buckets.Location()).AddDate(0, 0, -6))
	case buckets.Month:
		// Four ISO weeks back from the current week's Friday.
		w0 := buckets.ISOWeekFriday(now)
		from = buckets.LocalDate(w0.AddDate(0, 0, -27))
	case buckets.Year:
		local := now.In(buckets.Location())
		from = buckets.LocalDate(time.Date(local.Year(), time.January, 1, 0, 0, 0, 0, buckets.Location()))
	default:
		return nil, nil
	}

	returns, err := s.dailyReturns(ctx, userID, from, today)
	if err != nil {
		return nil, err
	}
	pct, ok := compoundWindow(returns, from, today)
	if !ok {
		return nil, nil
	}
	return &pct, nil
}
