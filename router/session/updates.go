package session

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/h8man13/h8man-finance-sub000/common/cache"
	"github.com/h8man13/h8man-finance-sub000/database"
)

// UpdateFilter drops Telegram updates that were already processed. Each chat
// keeps a bounded, newest-wins window of update IDs, fronted by an in-memory
// LRU and backed by the seen_updates table so restarts keep the history.
type UpdateFilter struct {
	db  *database.Instance
	cap int
	now func() time.Time

	mu     sync.Mutex
	recent map[int64]*cache.LRU
}

// NewUpdateFilter creates the schema and returns a filter remembering up to
// capacity update IDs per chat.
func NewUpdateFilter(ctx context.Context, db *database.Instance, capacity int) (*UpdateFilter, error) {
	if err := db.CreateTables(ctx, schema); err != nil {
		return nil, err
	}
	if capacity < 1 {
		capacity = 1
	}
	return &UpdateFilter{
		db:     db,
		cap:    capacity,
		now:    time.Now,
		recent: make(map[int64]*cache.LRU),
	}, nil
}

// Seen records the update and reports whether it was already processed. The
// check and insert are atomic with respect to other calls, so an update is
// claimed by exactly one caller.
func (f *UpdateFilter) Seen(ctx context.Context, chatID, updateID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lru, ok := f.recent[chatID]
	if !ok {
		lru = cache.NewLRU(uint64(f.cap))
		f.recent[chatID] = lru
	}
	if lru.Contains(updateID) {
		return true, nil
	}

	var inserted int64
	err := f.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO seen_updates (chat_id, update_id, seen_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT(chat_id, update_id) DO NOTHING`,
			chatID, updateID, f.now().UTC().Format(time.RFC3339))
		if err != nil {
			return err
		}
		inserted, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM seen_updates
			 WHERE chat_id = ? AND update_id NOT IN (
			   SELECT update_id FROM seen_updates
			   WHERE chat_id = ? ORDER BY update_id DESC LIMIT ?)`,
			chatID, chatID, f.cap)
		return err
	})
	if err != nil {
		return false, err
	}
	lru.Add(updateID, struct{}{})
	return inserted == 0, nil
}
