package portfolio

import (
	"context"
	"time"

	"github.com/h8man13/h8man-finance-sub000/buckets"
	"github.com/h8man13/h8man-finance-sub000/portfolio/ledger"
)

// defaultSnapshotRetentionDays bounds cleanup when the caller omits the
// days_to_keep parameter.
const defaultSnapshotRetentionDays = 365

// SnapshotsRun refreshes today's snapshot for one user, or for every known
// user when userID is zero. Failures are collected per user so one broken
// valuation does not stop the batch.
func (s *Service) SnapshotsRun(ctx context.Context, userID int64) (*SnapshotRunResult, error) {
	var users []int64
	if userID != 0 {
		users = []int64{userID}
	} else {
		var err error
		users, err = s.store.UserIDs(ctx, s.store.DB())
		if err != nil {
			return nil, err
		}
	}

	out := &SnapshotRunResult{UsersProcessed: len(users)}
	for _, id := range users {
		unlock := s.locks.Lock(id)
		err := s.refreshSnapshot(ctx, id)
		unlock()
		if err != nil {
			s.log.Error().Err(err).Int64("user_id", id).Msg("batch snapshot refresh failed")
			out.Failed = append(out.Failed, id)
			continue
		}
		out.Written++
	}
	return out, nil
}

// SnapshotsStatus reports snapshot coverage, optionally for one user.
func (s *Service) SnapshotsStatus(ctx context.Context, userID int64) (*ledger.SnapshotStats, error) {
	return s.store.SnapshotStats(ctx, s.store.DB(), userID)
}

// SnapshotsCleanup prunes snapshots older than daysToKeep, optionally for
// one user.
func (s *Service) SnapshotsCleanup(ctx context.Context, userID int64, daysToKeep int) (*CleanupResult, error) {
	if daysToKeep <= 0 {
		daysToKeep = defaultSnapshotRetentionDays
	}
	cutoff := buckets.LocalDate(s.now().AddDate(0, 0, -daysToKeep))
	removed, err := s.store.DeleteSnapshotsBefore(ctx, s.store.DB(), userID, cutoff)
	if err != nil {
		return nil, err
	}
	return &CleanupResult{Removed: removed, DaysKept: daysToKeep, CutoffDate: cutoff}, nil
}

// Health checks the store and the market-data dependency for the admin
// diagnostics endpoint.
func (s *Service) Health(ctx context.Context) *AdminHealth {
	out := &AdminHealth{Status: "healthy", Database: "ok", MarketData: "ok"}

	if err := s.store.Ping(); err != nil {
		out.Status = "degraded"
		out.Database = err.Error()
	} else if stats, err := s.store.SnapshotStats(ctx, s.store.DB(), 0); err == nil {
		out.Users = stats.Users
		out.Snapshots = stats.Snapshots
		out.LatestDate = stats.LatestDate
	}

	if s.quotes == nil {
		out.Status = "degraded"
		out.MarketData = "not configured"
		return out
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := s.quotes.Meta(probeCtx, "AAPL.US"); err != nil {
		out.Status = "degraded"
		out.MarketData = "unreachable"
	}
	return out
}
