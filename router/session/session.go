// Package session persists per-chat conversation state and the bounded set
// of already-processed Telegram update IDs. Both survive restarts so a
// redelivered webhook after a crash is still recognized as a duplicate.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/h8man13/h8man-finance-sub000/database"
)

// Conversation states. An absent row is the idle state.
const (
	StatePrompting   = "prompting"
	StateConfirming  = "confirming"
	StateStickyReady = "sticky_ready"
)

var schema = map[string]string{
	"sessions": `CREATE TABLE IF NOT EXISTS sessions (
		chat_id    INTEGER PRIMARY KEY,
		cmd        TEXT NOT NULL,
		state      TEXT NOT NULL,
		got        TEXT NOT NULL,
		missing    TEXT NOT NULL,
		sticky     INTEGER NOT NULL DEFAULT 0,
		confirm    TEXT,
		created_at TEXT NOT NULL,
		ttl_sec    INTEGER NOT NULL
	);`,
	"seen_updates": `CREATE TABLE IF NOT EXISTS seen_updates (
		chat_id   INTEGER NOT NULL,
		update_id INTEGER NOT NULL,
		seen_at   TEXT NOT NULL,
		PRIMARY KEY (chat_id, update_id)
	);`,
}

// Confirm carries the staged payload of a destructive command while the
// user is asked for Y/N.
type Confirm struct {
	Cmd     string         `json:"cmd"`
	Args    map[string]any `json:"args"`
	Summary string         `json:"summary"`
}

// Session is the conversation state of one chat.
type Session struct {
	ChatID    int64
	Cmd       string
	State     string
	Got       map[string]any
	Missing   []string
	Sticky    bool
	Confirm   *Confirm
	CreatedAt time.Time
	TTLSec    int64
}

// Expired reports whether the session's TTL has elapsed at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.CreatedAt.Add(time.Duration(s.TTLSec) * time.Second))
}

// ShouldClear reports whether a newly arrived command replaces an existing
// sticky session. Re-issuing the same sticky command keeps the session.
func ShouldClear(existing *Session, newCmd string) bool {
	return existing != nil && existing.Sticky && existing.Cmd != newCmd
}

// Store reads and writes chat sessions. Expiry is enforced on read.
type Store struct {
	db     *database.Instance
	ttl    time.Duration
	sticky map[string]bool
	now    func() time.Time
}

// NewStore creates the schema and returns a store whose sessions live for
// ttl. Commands listed in sticky keep their session after a successful run.
func NewStore(ctx context.Context, db *database.Instance, ttl time.Duration, sticky []string) (*Store, error) {
	if err := db.CreateTables(ctx, schema); err != nil {
		return nil, err
	}
	m := make(map[string]bool, len(sticky))
	for _, name := range sticky {
		m[strings.ToLower(strings.TrimSpace(name))] = true
	}
	return &Store{db: db, ttl: ttl, sticky: m, now: time.Now}, nil
}

// IsSticky reports whether cmd keeps its session after completing.
func (s *Store) IsSticky(cmd string) bool { return s.sticky[strings.ToLower(cmd)] }

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns the chat's session, or nil when there is none. A session past
// its TTL is deleted and reported as absent.
func (s *Store) Get(ctx context.Context, chatID int64) (*Session, error) {
	db := s.db.GetSQL()
	if db == nil {
		return nil, database.ErrNoDatabaseProvided
	}

	row := db.QueryRowContext(ctx,
		`SELECT cmd, state, got, missing, sticky, confirm, created_at, ttl_sec
		 FROM sessions WHERE chat_id = ?`, chatID)

	var (
		sess       = Session{ChatID: chatID}
		got        string
		missing    string
		sticky     int
		confirm    sql.NullString
		createdRaw string
	)
	if err := row.Scan(&sess.Cmd, &sess.State, &got, &missing, &sticky, &confirm, &createdRaw, &sess.TTLSec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	created, err := time.Parse(time.RFC3339, createdRaw)
	if err != nil {
		return nil, fmt.Errorf("session for chat %d: %w", chatID, err)
	}
	sess.CreatedAt = created
	sess.Sticky = sticky != 0

	if sess.Expired(s.now()) {
		if err := s.Clear(ctx, chatID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := json.Unmarshal([]byte(got), &sess.Got); err != nil {
		return nil, fmt.Errorf("session for chat %d: %w", chatID, err)
	}
	normalizeValues(sess.Got)
	if err := json.Unmarshal([]byte(missing), &sess.Missing); err != nil {
		return nil, fmt.Errorf("session for chat %d: %w", chatID, err)
	}
	if confirm.Valid && confirm.String != "" {
		var c Confirm
		if err := json.Unmarshal([]byte(confirm.String), &c); err != nil {
			return nil, fmt.Errorf("session for chat %d: %w", chatID, err)
		}
		normalizeValues(c.Args)
		sess.Confirm = &c
	}
	return &sess, nil
}

// Put writes the session, replacing any existing one for the chat. The
// creation time and TTL are stamped here so every write restarts the clock.
func (s *Store) Put(ctx context.Context, sess *Session) error {
	if sess.Got == nil {
		sess.Got = map[string]any{}
	}
	if sess.Missing == nil {
		sess.Missing = []string{}
	}
	got, err := json.Marshal(sess.Got)
	if err != nil {
		return err
	}
	missing, err := json.Marshal(sess.Missing)
	if err != nil {
		return err
	}
	var confirm any
	if sess.Confirm != nil {
		raw, err := json.Marshal(sess.Confirm)
		if err != nil {
			return err
		}
		confirm = string(raw)
	}
	sess.CreatedAt = s.now().UTC()
	sess.TTLSec = int64(s.ttl / time.Second)
	sess.Sticky = s.IsSticky(sess.Cmd)

	stickyInt := 0
	if sess.Sticky {
		stickyInt = 1
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (chat_id, cmd, state, got, missing, sticky, confirm, created_at, ttl_sec)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(chat_id) DO UPDATE SET
			   cmd = excluded.cmd,
			   state = excluded.state,
			   got = excluded.got,
			   missing = excluded.missing,
			   sticky = excluded.sticky,
			   confirm = excluded.confirm,
			   created_at = excluded.created_at,
			   ttl_sec = excluded.ttl_sec`,
			sess.ChatID, sess.Cmd, sess.State, string(got), string(missing),
			stickyInt, confirm, sess.CreatedAt.Format(time.RFC3339), sess.TTLSec)
		return err
	})
}

// Clear removes the chat's session if present.
func (s *Store) Clear(ctx context.Context, chatID int64) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE chat_id = ?`, chatID)
		return err
	})
}

// normalizeValues undoes the JSON round-trip: variadic argument lists come
// back as []any and are folded to []string, the form the parser produces.
func normalizeValues(m map[string]any) {
	for k, v := range m {
		list, ok := v.([]any)
		if !ok {
			continue
		}
		items := make([]string, 0, len(list))
		for _, it := range list {
			if s, ok := it.(string); ok {
				items = append(items, s)
			} else {
				items = append(items, fmt.Sprint(it))
			}
		}
		m[k] = items
	}
}
