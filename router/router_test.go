package router

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h8man13/h8man-finance-sub000/config"
	"github.com/h8man13/h8man-finance-sub000/database"
	sqlite "github.com/h8man13/h8man-finance-sub000/database/drivers/sqlite3"
	"github.com/h8man13/h8man-finance-sub000/envelope"
	"github.com/h8man13/h8man-finance-sub000/router/dispatch"
	"github.com/h8man13/h8man-finance-sub000/router/registry"
	"github.com/h8man13/h8man-finance-sub000/router/session"
	"github.com/h8man13/h8man-finance-sub000/router/telegram"
)

const testRegistry = `
commands:
  - name: price
    aliases: [p]
    help: Quote symbols
    usage: /price SYMBOLS
    example: /price aapl
    args:
      - name: symbols
        type: string
        required: true
        many: true
        max_items: 10
    dispatch: {service: market_data, method: GET, path: /quote}
  - name: fx
    help: Exchange rate
    usage: /fx BASE QUOTE
    example: /fx eur usd
    args:
      - name: base
        type: string
      - name: quote
        type: string
    dispatch: {service: fx, method: GET, path: /fx}
  - name: portfolio
    aliases: [po]
    help: Holdings
    usage: /portfolio
    example: /portfolio
    dispatch: {service: portfolio_core, method: GET, path: /portfolio}
  - name: allocation
    help: Class split
    usage: /allocation
    example: /allocation
    dispatch: {service: portfolio_core, method: GET, path: /allocation}
  - name: allocation_edit
    help: Set targets
    usage: /allocation_edit STOCK ETF CRYPTO
    example: /allocation_edit 50 30 20
    args:
      - name: stock
        type: percent
        required: true
      - name: etf
        type: percent
        required: true
      - name: crypto
        type: percent
        required: true
    dispatch: {service: portfolio_core, method: POST, path: /allocation_edit}
  - name: buy
    help: Buy
    usage: /buy SYMBOL QTY [PRICE] [FEES]
    example: /buy aapl 2 150
    args:
      - name: symbol
        type: string
        required: true
      - name: qty
        type: number
        required: true
      - name: price
        type: number
      - name: fees
        type: number
    dispatch:
      service: portfolio_core
      method: POST
      path: /buy
      args_map: {price: price_eur, fees: fees_eur}
  - name: remove
    help: Remove a holding
    usage: /remove SYMBOL
    example: /remove aapl
    confirm: true
    args:
      - name: symbol
        type: string
        required: true
    dispatch: {service: portfolio_core, method: POST, path: /remove}
  - name: cash_remove
    help: Withdraw cash
    usage: /cash_remove AMOUNT
    example: /cash_remove 200
    confirm: true
    args:
      - name: amount
        type: number
        required: true
    dispatch:
      service: portfolio_core
      method: POST
      path: /cash_remove
      args_map: {amount: amount_eur}
  - name: help
    aliases: [h]
    help: List commands
    usage: /help
    example: /help
  - name: cancel
    help: Drop the pending command
    usage: /cancel
    example: /cancel
`

type dispatchCall struct {
	cmd    string
	values map[string]any
	user   *dispatch.User
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	reply func(cmd *registry.Command, values map[string]any) envelope.Envelope
}

func (f *fakeDispatcher) Dispatch(_ context.Context, cmd *registry.Command, values map[string]any, user *dispatch.User) envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{cmd: cmd.Name, values: values, user: user})
	if f.reply == nil {
		return envelope.OK(map[string]any{})
	}
	return f.reply(cmd, values)
}

func (f *fakeDispatcher) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		names = append(names, c.cmd)
	}
	return names
}

func (f *fakeDispatcher) lastCall(t *testing.T) dispatchCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeOutbox struct {
	mu    sync.Mutex
	pages [][]string
}

func (f *fakeOutbox) Enqueue(_ int64, pages []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, pages)
	return true
}

func (f *fakeOutbox) last(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.pages)
	return f.pages[len(f.pages)-1]
}

func (f *fakeOutbox) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages)
}

func newTestService(t *testing.T, reply func(cmd *registry.Command, values map[string]any) envelope.Envelope) (*Service, *fakeDispatcher, *fakeOutbox) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commands.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRegistry), 0o600))

	logger := zerolog.Nop()
	reg, err := registry.New(path, logger)
	require.NoError(t, err)

	db, err := sqlite.Connect(&database.Config{Driver: database.DBSQLite3, Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseConnection() })

	ctx := context.Background()
	store, err := session.NewStore(ctx, db, time.Minute, []string{"price", "fx"})
	require.NoError(t, err)
	seen, err := session.NewUpdateFilter(ctx, db, 50)
	require.NoError(t, err)

	disp := &fakeDispatcher{reply: reply}
	out := &fakeOutbox{}
	cfg := &config.Router{OwnerIDs: []int64{7}}
	return NewService(cfg, reg, store, seen, disp, out, logger), disp, out
}

var nextUpdateID atomic.Int64

func message(chatID, fromID int64, text string) *telegram.Update {
	id := nextUpdateID.Add(1)
	return &telegram.Update{
		UpdateID: id,
		Message: &telegram.Message{
			MessageID: id,
			From:      &telegram.User{ID: fromID, FirstName: "Ada"},
			Chat:      telegram.Chat{ID: chatID},
			Text:      text,
		},
	}
}

func quotesEnvelope(symbols ...string) envelope.Envelope {
	quotes := make([]map[string]any, 0, len(symbols))
	for _, s := range symbols {
		quotes = append(quotes, map[string]any{
			"symbol": s, "market": "US", "currency": "USD",
			"price": 100.0, "price_eur": 92.0, "open": 95.0, "open_eur": 87.4,
			"freshness": "Live",
		})
	}
	return envelope.OK(map[string]any{"quotes": quotes})
}

func getSession(t *testing.T, svc *Service, chatID int64) *session.Session {
	t.Helper()
	sess, err := svc.sessions.Get(context.Background(), chatID)
	require.NoError(t, err)
	return sess
}

func TestOneShotPriceRepliesAndClearsSession(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, func(cmd *registry.Command, _ map[string]any) envelope.Envelope {
		return quotesEnvelope("AAPL.US")
	})

	svc.OnUpdate(context.Background(), message(1, 7, "/p aapl"))

	last := out.last(t)
	require.Len(t, last, 1)
	assert.Contains(t, last[0], "AAPL")
	assert.Contains(t, last[0], "TICKER")

	call := disp.lastCall(t)
	assert.Equal(t, "price", call.cmd)
	assert.Equal(t, []string{"aapl"}, call.values["symbols"])
	require.NotNil(t, call.user)
	assert.Equal(t, int64(7), call.user.ID)

	assert.Nil(t, getSession(t, svc, 1), "full one-shot success ends the sticky session")
}

func TestInteractivePricePartialKeepsSession(t *testing.T) {
	t.Parallel()
	svc, _, out := newTestService(t, func(cmd *registry.Command, _ map[string]any) envelope.Envelope {
		env := quotesEnvelope("AAPL.US")
		env.Partial = true
		env.Error = &envelope.ErrorBody{
			Code:    envelope.CodeUpstreamError,
			Message: "some symbols failed",
			Details: map[string]any{"symbols_failed": []any{"NOPE.US"}},
		}
		return env
	})
	ctx := context.Background()

	svc.OnUpdate(ctx, message(1, 7, "/price"))
	assert.Contains(t, out.last(t)[0], "Need symbols")
	sess := getSession(t, svc, 1)
	require.NotNil(t, sess)
	assert.Equal(t, session.StatePrompting, sess.State)

	svc.OnUpdate(ctx, message(1, 7, "aapl nope.us"))
	last := out.last(t)
	require.Len(t, last, 2)
	assert.Contains(t, last[0], "AAPL")
	assert.Contains(t, last[1], "Could not find: NOPE.US")

	sess = getSession(t, svc, 1)
	require.NotNil(t, sess, "partial round keeps the price session")
	assert.Equal(t, "price", sess.Cmd)
	assert.Equal(t, session.StateStickyReady, sess.State)
}

func TestPriceDerivesMissingSymbols(t *testing.T) {
	t.Parallel()
	svc, _, out := newTestService(t, func(cmd *registry.Command, _ map[string]any) envelope.Envelope {
		return quotesEnvelope("AAPL.US")
	})

	svc.OnUpdate(context.Background(), message(1, 7, "/price aapl msft"))

	last := out.last(t)
	require.Len(t, last, 2)
	assert.Contains(t, last[1], "MSFT.US")

	sess := getSession(t, svc, 1)
	require.NotNil(t, sess, "a round with missing symbols stays sticky")
	assert.Equal(t, session.StateStickyReady, sess.State)
}

func TestStickyPriceAcceptsBareFollowUp(t *testing.T) {
	t.Parallel()
	svc, disp, _ := newTestService(t, func(cmd *registry.Command, values map[string]any) envelope.Envelope {
		env := quotesEnvelope("AAPL.US")
		env.Partial = true
		return env
	})
	ctx := context.Background()

	svc.OnUpdate(ctx, message(1, 7, "/price aapl"))
	svc.OnUpdate(ctx, message(1, 7, "msft"))

	call := disp.lastCall(t)
	assert.Equal(t, "price", call.cmd)
	assert.Equal(t, []string{"msft"}, call.values["symbols"], "sticky rounds start a fresh argument set")
}

func TestFXPromptThenPairThenStickyRound(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, func(cmd *registry.Command, values map[string]any) envelope.Envelope {
		if cmd.Name != "fx" {
			return envelope.OK(map[string]any{})
		}
		_, hasBase := values["base"]
		_, hasQuote := values["quote"]
		if !hasBase || !hasQuote {
			return envelope.OK(dispatch.FXPromptData{FXPrompt: true})
		}
		// The real dispatcher asks for euro-dollar as USD_EUR.
		return envelope.OK(map[string]any{"pair": "USD_EUR", "rate": 2.0})
	})
	ctx := context.Background()

	svc.OnUpdate(ctx, message(1, 7, "/fx"))
	assert.Contains(t, out.last(t)[0], "Which pair?")
	sess := getSession(t, svc, 1)
	require.NotNil(t, sess)
	assert.Equal(t, session.StatePrompting, sess.State)
	assert.ElementsMatch(t, []string{"base", "quote"}, sess.Missing)

	svc.OnUpdate(ctx, message(1, 7, "eur usd"))
	assert.Contains(t, out.last(t)[0], "EUR/USD = 0.5", "canonical answer is flipped to the asked direction")
	sess = getSession(t, svc, 1)
	require.NotNil(t, sess)
	assert.Equal(t, session.StateStickyReady, sess.State)

	svc.OnUpdate(ctx, message(1, 7, "gbp jpy"))
	call := disp.lastCall(t)
	assert.Equal(t, "fx", call.cmd)
	assert.Equal(t, "gbp", call.values["base"])
	assert.Equal(t, "jpy", call.values["quote"])
}

func TestBuyPromptRoundInjectsLookedUpPrice(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, func(cmd *registry.Command, values map[string]any) envelope.Envelope {
		switch cmd.Name {
		case "quote_lookup":
			return quotesEnvelope("AAPL.US")
		case "buy":
			return envelope.OK(map[string]any{
				"op": "buy", "symbol": "AAPL.US", "qty": 2.0,
				"price_eur": 92.0, "amount_eur": 184.0,
				"qty_held": 2.0, "cash_eur": 816.0,
			})
		default:
			return envelope.OK(map[string]any{})
		}
	})
	ctx := context.Background()

	svc.OnUpdate(ctx, message(1, 7, "/buy"))
	assert.Contains(t, out.last(t)[0], "Need symbol, qty")

	svc.OnUpdate(ctx, message(1, 7, "aapl 2"))
	assert.Equal(t, []string{"quote_lookup", "buy"}, disp.callNames())

	call := disp.lastCall(t)
	assert.Equal(t, "AAPL", call.values["symbol"], "mutation symbols are uppercased")
	assert.Equal(t, "92", call.values["price"], "looked-up price rides along")
	assert.Contains(t, out.last(t)[0], "Bought 2 AAPL")

	assert.Nil(t, getSession(t, svc, 1), "completed prompt session is dropped")
}

func TestBuyWithExplicitPriceSkipsLookup(t *testing.T) {
	t.Parallel()
	svc, disp, _ := newTestService(t, func(cmd *registry.Command, values map[string]any) envelope.Envelope {
		return envelope.OK(map[string]any{
			"op": "buy", "symbol": "AAPL.US", "qty": 2.0,
			"price_eur": 150.0, "amount_eur": 300.0,
			"qty_held": 2.0, "cash_eur": 700.0,
		})
	})

	svc.OnUpdate(context.Background(), message(1, 7, "/buy aapl 2 150"))
	assert.Equal(t, []string{"buy"}, disp.callNames())
}

func TestBuyRendersMarketPlaceholderWhenUnpriced(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, func(cmd *registry.Command, values map[string]any) envelope.Envelope {
		switch cmd.Name {
		case "quote_lookup":
			return envelope.Err(envelope.CodeNotFound, "unknown symbol", "market_data")
		case "buy":
			return envelope.OK(map[string]any{
				"op": "buy", "symbol": "XXX.US", "qty": 1.0,
				"amount_eur": 0.0, "qty_held": 1.0, "cash_eur": 500.0,
			})
		default:
			return envelope.OK(map[string]any{})
		}
	})

	svc.OnUpdate(context.Background(), message(1, 7, "/buy xxx 1"))

	// Lookup tried the bare symbol and the suffixed fallback before giving up.
	assert.Equal(t, []string{"quote_lookup", "quote_lookup", "buy"}, disp.callNames())
	assert.Contains(t, out.last(t)[0], "at market")
}

func TestRemoveConfirmFlow(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, func(cmd *registry.Command, values map[string]any) envelope.Envelope {
		return envelope.OK(map[string]any{"symbol": "AAPL.US", "qty_removed": 5.0})
	})
	ctx := context.Background()

	svc.OnUpdate(ctx, message(1, 7, "/remove aapl"))
	assert.Contains(t, out.last(t)[0], "Remove AAPL and its history from the portfolio?")
	assert.Contains(t, out.last(t)[0], "Reply Y to confirm or N to cancel.")
	assert.Empty(t, disp.callNames(), "nothing dispatched before the confirmation")

	sess := getSession(t, svc, 1)
	require.NotNil(t, sess)
	assert.Equal(t, session.StateConfirming, sess.State)

	// Anything but y/n re-shows the question.
	svc.OnUpdate(ctx, message(1, 7, "maybe"))
	assert.Contains(t, out.last(t)[0], "Remove AAPL and its history from the portfolio?")
	assert.Empty(t, disp.callNames())

	svc.OnUpdate(ctx, message(1, 7, "y"))
	assert.Equal(t, []string{"remove"}, disp.callNames())
	assert.Equal(t, "AAPL", disp.lastCall(t).values["symbol"])
	assert.Contains(t, out.last(t)[0], "Removed AAPL")
	assert.Nil(t, getSession(t, svc, 1))
}

func TestConfirmDeclineCancels(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, nil)
	ctx := context.Background()

	svc.OnUpdate(ctx, message(1, 7, "/cash_remove 200"))
	assert.Contains(t, out.last(t)[0], "Remove €200,00 from cash?")

	svc.OnUpdate(ctx, message(1, 7, "no"))
	assert.Contains(t, out.last(t)[0], "Canceled.")
	assert.Empty(t, disp.callNames())
	assert.Nil(t, getSession(t, svc, 1))
}

func TestAllocationEditRejectsBadSumLocally(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, nil)

	svc.OnUpdate(context.Background(), message(1, 7, "/allocation_edit 50 30 10"))

	assert.Contains(t, out.last(t)[0], "percentages must add up to 100, got 90")
	assert.Empty(t, disp.callNames())
}

func TestAllocationEditPromptShowsCurrentTarget(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, func(cmd *registry.Command, values map[string]any) envelope.Envelope {
		if cmd.Name == "allocation" {
			return envelope.OK(map[string]any{
				"current": map[string]any{"stock_pct": 61.0, "etf_pct": 30.0, "crypto_pct": 9.0},
				"target":  map[string]any{"stock_pct": 50.0, "etf_pct": 30.0, "crypto_pct": 20.0},
			})
		}
		return envelope.OK(map[string]any{})
	})

	svc.OnUpdate(context.Background(), message(1, 7, "/allocation_edit"))

	assert.Equal(t, []string{"allocation"}, disp.callNames())
	assert.Contains(t, out.last(t)[0], "Current target: stock +50.0%, etf +30.0%, crypto +20.0%.")
	assert.Contains(t, out.last(t)[0], "Need stock, etf, crypto")

	sess := getSession(t, svc, 1)
	require.NotNil(t, sess)
	assert.Equal(t, "allocation_edit", sess.Cmd)
}

func TestBackendErrorRendering(t *testing.T) {
	t.Parallel()
	svc, _, out := newTestService(t, func(cmd *registry.Command, values map[string]any) envelope.Envelope {
		return envelope.ErrWithDetails(envelope.CodeInsufficient, "Not enough cash to buy", "portfolio_core",
			map[string]any{"current_balance": "100.00"})
	})

	svc.OnUpdate(context.Background(), message(1, 7, "/buy aapl 2 150"))

	last := out.last(t)
	assert.Contains(t, last[0], "Not enough cash to buy")
	assert.Contains(t, last[0], "Balance: €100,00")
}

func TestNewCommandInterruptsPrompt(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, func(cmd *registry.Command, values map[string]any) envelope.Envelope {
		return envelope.OK(map[string]any{"holdings": []any{}, "cash_eur": 50.0, "total_value_eur": 50.0})
	})
	ctx := context.Background()

	svc.OnUpdate(ctx, message(1, 7, "/buy"))
	require.NotNil(t, getSession(t, svc, 1))

	svc.OnUpdate(ctx, message(1, 7, "/portfolio"))
	assert.Equal(t, []string{"portfolio"}, disp.callNames())
	assert.Contains(t, out.last(t)[0], "Portfolio is empty.")
	assert.Nil(t, getSession(t, svc, 1), "interrupting command replaced the prompt session")
}

func TestHelpListsCommandsAndClearsSession(t *testing.T) {
	t.Parallel()
	svc, _, out := newTestService(t, nil)
	ctx := context.Background()

	svc.OnUpdate(ctx, message(1, 7, "/price"))
	require.NotNil(t, getSession(t, svc, 1))

	svc.OnUpdate(ctx, message(1, 7, "/help"))
	assert.Contains(t, out.last(t)[0], "/price SYMBOLS")
	assert.Contains(t, out.last(t)[0], "/cash_remove AMOUNT")
	assert.Nil(t, getSession(t, svc, 1))
}

func TestCancelDropsPendingCommand(t *testing.T) {
	t.Parallel()
	svc, _, out := newTestService(t, nil)
	ctx := context.Background()

	svc.OnUpdate(ctx, message(1, 7, "/buy"))
	svc.OnUpdate(ctx, message(1, 7, "/cancel"))

	assert.Contains(t, out.last(t)[0], "Canceled.")
	assert.Nil(t, getSession(t, svc, 1))
}

func TestUnknownCommandAndStrayText(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, nil)
	ctx := context.Background()

	svc.OnUpdate(ctx, message(1, 7, "/bogus"))
	assert.Contains(t, out.last(t)[0], "Try /help")

	svc.OnUpdate(ctx, message(1, 7, "hello there"))
	assert.Contains(t, out.last(t)[0], "Try /help")
	assert.Empty(t, disp.callNames())
}

func TestOwnerGateBlocksStrangers(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, nil)

	svc.OnUpdate(context.Background(), message(1, 99, "/portfolio"))

	assert.Contains(t, out.last(t)[0], "This bot is private.")
	assert.Empty(t, disp.callNames())
}

func TestDuplicateUpdateIsDropped(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, func(cmd *registry.Command, values map[string]any) envelope.Envelope {
		return quotesEnvelope("AAPL.US")
	})
	ctx := context.Background()

	u := message(1, 7, "/p aapl")
	svc.OnUpdate(ctx, u)
	svc.OnUpdate(ctx, u)

	assert.Equal(t, 1, out.count())
	assert.Len(t, disp.callNames(), 1)
}

func TestEmptyUpdateIgnored(t *testing.T) {
	t.Parallel()
	svc, disp, out := newTestService(t, nil)
	ctx := context.Background()

	svc.OnUpdate(ctx, nil)
	svc.OnUpdate(ctx, &telegram.Update{UpdateID: 1})
	svc.OnUpdate(ctx, message(1, 7, "   "))

	assert.Zero(t, out.count())
	assert.Empty(t, disp.callNames())
}

func TestShippedRegistryResolves(t *testing.T) {
	t.Parallel()
	reg, err := registry.New("../commands.yaml", zerolog.Nop())
	require.NoError(t, err)

	for _, token := range []string{
		"/price", "/p", "/fx", "/portfolio", "/po", "/cash", "/tx",
		"/allocation", "/alloc", "/add", "/remove", "/buy", "/sell",
		"/cash_add", "/cash_remove", "/allocation_edit", "/alloc_edit",
		"/rename", "/portfolio_snapshot", "/snapshot", "/portfolio_summary",
		"/summary", "/portfolio_breakdown", "/breakdown", "/portfolio_digest",
		"/digest", "/portfolio_movers", "/movers", "/po_if", "/whatif",
		"/help", "/h", "/start", "/cancel", "/exit",
	} {
		assert.NotNilf(t, reg.Resolve(token), "token %s should resolve", token)
	}

	remove := reg.Resolve("/remove")
	require.NotNil(t, remove)
	assert.True(t, remove.Confirm)

	buy := reg.Resolve("/buy")
	require.NotNil(t, buy)
	require.NotNil(t, buy.Dispatch)
	assert.Equal(t, "price_eur", buy.Dispatch.ArgsMap["price"])

	help := reg.Resolve("/help")
	require.NotNil(t, help)
	assert.True(t, help.Local())
}
