package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h8man13/h8man-finance-sub000/database"
	sqlite "github.com/h8man13/h8man-finance-sub000/database/drivers/sqlite3"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	db, err := sqlite.Connect(&database.Config{Driver: database.DBSQLite3, Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseConnection() })

	store, err := NewStore(context.Background(), db, ttl, []string{"price", "fx"})
	require.NoError(t, err)
	return store
}

func TestGetReturnsNilWhenAbsent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Minute)
	sess, err := store.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	err := store.Put(ctx, &Session{
		ChatID:  42,
		Cmd:     "buy",
		State:   StatePrompting,
		Got:     map[string]any{"symbol": "AAPL", "symbols": []string{"AAPL.US", "MSFT.US"}},
		Missing: []string{"qty"},
	})
	require.NoError(t, err)

	sess, err := store.Get(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "buy", sess.Cmd)
	assert.Equal(t, StatePrompting, sess.State)
	assert.Equal(t, "AAPL", sess.Got["symbol"])
	assert.Equal(t, []string{"AAPL.US", "MSFT.US"}, sess.Got["symbols"])
	assert.Equal(t, []string{"qty"}, sess.Missing)
	assert.False(t, sess.Sticky)

	sess, err = store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Nil(t, sess, "other chats are isolated")
}

func TestPutStampsStickyFromConfig(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Session{ChatID: 1, Cmd: "price", State: StateStickyReady}))
	sess, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.True(t, sess.Sticky)
}

func TestConfirmPayloadSurvivesRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	err := store.Put(ctx, &Session{
		ChatID: 9,
		Cmd:    "remove",
		State:  StateConfirming,
		Confirm: &Confirm{
			Cmd:     "remove",
			Args:    map[string]any{"symbol": "AAPL.US"},
			Summary: "Remove AAPL.US from the portfolio?",
		},
	})
	require.NoError(t, err)

	sess, err := store.Get(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.NotNil(t, sess.Confirm)
	assert.Equal(t, "remove", sess.Confirm.Cmd)
	assert.Equal(t, "AAPL.US", sess.Confirm.Args["symbol"])
	assert.Contains(t, sess.Confirm.Summary, "AAPL.US")
}

func TestExpiredSessionIsDeletedOnRead(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Session{ChatID: 5, Cmd: "buy", State: StatePrompting}))

	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	sess, err := store.Get(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, sess)

	store.now = time.Now
	sess, err = store.Get(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, sess, "expired session is gone even at the original clock")
}

func TestClearRemovesSession(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Session{ChatID: 3, Cmd: "fx", State: StateStickyReady}))
	require.NoError(t, store.Clear(ctx, 3))

	sess, err := store.Get(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, sess)

	require.NoError(t, store.Clear(ctx, 3), "clearing an absent session is fine")
}

func TestShouldClear(t *testing.T) {
	t.Parallel()
	sticky := &Session{Cmd: "price", Sticky: true}
	plain := &Session{Cmd: "buy"}

	assert.False(t, ShouldClear(nil, "price"))
	assert.False(t, ShouldClear(sticky, "price"), "same sticky command keeps session")
	assert.True(t, ShouldClear(sticky, "portfolio"))
	assert.False(t, ShouldClear(plain, "portfolio"), "non-sticky sessions are replaced, not cleared")
}

func TestIsSticky(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, time.Minute)
	assert.True(t, store.IsSticky("price"))
	assert.True(t, store.IsSticky("FX"))
	assert.False(t, store.IsSticky("buy"))
}

func TestUpdateFilterSeen(t *testing.T) {
	t.Parallel()
	db, err := sqlite.Connect(&database.Config{Driver: database.DBSQLite3, Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseConnection() })

	filter, err := NewUpdateFilter(context.Background(), db, 3)
	require.NoError(t, err)
	ctx := context.Background()

	seen, err := filter.Seen(ctx, 1, 100)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = filter.Seen(ctx, 1, 100)
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = filter.Seen(ctx, 2, 100)
	require.NoError(t, err)
	assert.False(t, seen, "chats have independent windows")
}

func TestUpdateFilterSurvivesRestart(t *testing.T) {
	t.Parallel()
	db, err := sqlite.Connect(&database.Config{Driver: database.DBSQLite3, Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseConnection() })
	ctx := context.Background()

	filter, err := NewUpdateFilter(ctx, db, 10)
	require.NoError(t, err)
	seen, err := filter.Seen(ctx, 1, 55)
	require.NoError(t, err)
	require.False(t, seen)

	reborn, err := NewUpdateFilter(ctx, db, 10)
	require.NoError(t, err)
	seen, err = reborn.Seen(ctx, 1, 55)
	require.NoError(t, err)
	assert.True(t, seen, "persisted IDs recognized after restart")
}

func TestUpdateFilterBoundedNewestWins(t *testing.T) {
	t.Parallel()
	db, err := sqlite.Connect(&database.Config{Driver: database.DBSQLite3, Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseConnection() })
	ctx := context.Background()

	filter, err := NewUpdateFilter(ctx, db, 2)
	require.NoError(t, err)
	for _, id := range []int64{1, 2, 3} {
		seen, err := filter.Seen(ctx, 1, id)
		require.NoError(t, err)
		require.False(t, seen)
	}

	// ID 1 fell out of the two-slot window; a fresh filter only knows 2 and 3.
	reborn, err := NewUpdateFilter(ctx, db, 2)
	require.NoError(t, err)
	seen, err := reborn.Seen(ctx, 1, 3)
	require.NoError(t, err)
	assert.True(t, seen)
	seen, err = reborn.Seen(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, seen, "evicted ID is processed again")
}