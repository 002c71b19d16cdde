package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiReply(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	raw, err := json.Marshal(result)
	assert.NoError(t, err)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": json.RawMessage(raw)})
}

func TestMe(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/getMe", r.URL.Path)
		apiReply(t, w, User{ID: 99, FirstName: "Portfolio", Username: "portfolio_bot"})
	}))
	defer srv.Close()

	bot := NewBot(srv.URL, "TOKEN", time.Second)
	me, err := bot.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(99), me.ID)
	assert.Equal(t, "portfolio_bot", me.Username)
}

func TestUpdatesPassesOffset(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/getUpdates", r.URL.Path)
		assert.Equal(t, "17", r.URL.Query().Get("offset"))
		assert.Equal(t, "25", r.URL.Query().Get("timeout"))
		apiReply(t, w, []Update{
			{UpdateID: 17, Message: &Message{Chat: Chat{ID: 5}, Text: "/price aapl"}},
		})
	}))
	defer srv.Close()

	bot := NewBot(srv.URL, "TOKEN", time.Minute)
	updates, err := bot.Updates(context.Background(), 17, 25)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, int64(17), updates[0].UpdateID)
	assert.Equal(t, "/price aapl", updates[0].Message.Body())
}

func TestSendPayload(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		apiReply(t, w, Message{MessageID: 1})
	}))
	defer srv.Close()

	bot := NewBot(srv.URL, "TOKEN", time.Second)
	require.NoError(t, bot.Send(context.Background(), 42, "<pre>hi</pre>"))
	assert.Equal(t, 42.0, got["chat_id"])
	assert.Equal(t, "<pre>hi</pre>", got["text"])
	assert.Equal(t, "HTML", got["parse_mode"])
}

func TestSendTruncatesOversizedText(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		apiReply(t, w, Message{MessageID: 1})
	}))
	defer srv.Close()

	bot := NewBot(srv.URL, "TOKEN", time.Second)
	require.NoError(t, bot.Send(context.Background(), 1, strings.Repeat("x", 5000)))
	sent, ok := got["text"].(string)
	require.True(t, ok)
	assert.Len(t, sent, maxMessageLength)
}

func TestAPIRefusal(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Unauthorized"})
	}))
	defer srv.Close()

	bot := NewBot(srv.URL, "BAD", time.Second)
	_, err := bot.Me(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")
}

func TestParseUpdate(t *testing.T) {
	t.Parallel()
	body := `{"update_id":7,"message":{"message_id":1,"chat":{"id":42},"from":{"id":9,"first_name":"Ada"},"text":"/cash"}}`
	u, err := ParseUpdate(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.UpdateID)
	assert.Equal(t, int64(42), u.Message.Chat.ID)
	assert.Equal(t, "Ada", u.Message.From.FirstName)

	_, err = ParseUpdate(strings.NewReader("{nope"))
	require.ErrorIs(t, err, ErrBadUpdate)
}

func TestCaptionFallback(t *testing.T) {
	t.Parallel()
	m := &Message{Caption: "/price aapl"}
	assert.Equal(t, "/price aapl", m.Body())
	m.Text = "/cash"
	assert.Equal(t, "/cash", m.Body())
}

func TestSenderDeliversInOrder(t *testing.T) {
	t.Parallel()
	var mu []string
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		mu = append(mu, got["text"].(string))
		if len(mu) == 3 {
			close(done)
		}
		apiReply(t, w, Message{MessageID: 1})
	}))
	defer srv.Close()

	sender := NewSender(NewBot(srv.URL, "TOKEN", time.Second), 8, time.Second, zerolog.Nop())
	sender.Start()
	require.True(t, sender.Enqueue(1, []string{"one", "two"}))
	require.True(t, sender.Enqueue(1, []string{"three"}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sends did not complete")
	}
	sender.Stop()
	assert.Equal(t, []string{"one", "two", "three"}, mu)
}

func TestSenderDropsWhenFull(t *testing.T) {
	t.Parallel()
	// Worker not started, so the queue cannot drain.
	sender := NewSender(NewBot("http://127.0.0.1:0", "TOKEN", time.Second), 1, time.Second, zerolog.Nop())
	require.True(t, sender.Enqueue(1, []string{"fits"}))
	assert.False(t, sender.Enqueue(1, []string{"dropped"}))
	assert.True(t, sender.Enqueue(1, nil), "empty replies are a no-op")
}

func TestPollerAdvancesOffsetAndStops(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			assert.Equal(t, "0", r.URL.Query().Get("offset"))
			apiReply(t, w, []Update{
				{UpdateID: 10, Message: &Message{Chat: Chat{ID: 5}, Text: "a"}},
				{UpdateID: 11, Message: &Message{Chat: Chat{ID: 5}, Text: "b"}},
			})
		default:
			assert.Equal(t, "12", r.URL.Query().Get("offset"))
			apiReply(t, w, []Update{})
		}
	}))
	defer srv.Close()

	var handled atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	poller := NewPoller(NewBot(srv.URL, "TOKEN", time.Minute), 1, func(_ context.Context, u *Update) {
		if handled.Add(1) == 2 {
			assert.Equal(t, int64(11), u.UpdateID)
		}
	}, zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- poller.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}
