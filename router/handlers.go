package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/h8man13/h8man-finance-sub000/common/convert"
	"github.com/h8man13/h8man-finance-sub000/envelope"
	"github.com/h8man13/h8man-finance-sub000/router/dispatch"
	"github.com/h8man13/h8man-finance-sub000/router/registry"
	"github.com/h8man13/h8man-finance-sub000/router/screens"
	"github.com/h8man13/h8man-finance-sub000/router/session"
	"github.com/h8man13/h8man-finance-sub000/symbol"
)

// quoteLookup is the router's own quote call, used to price buy and sell
// orders for which the user gave no price. It is independent of the
// registry file so edits there cannot break order pricing.
var quoteLookup = &registry.Command{
	Name: "quote_lookup",
	Args: []registry.Arg{
		{Name: "symbols", Type: registry.TypeString, Required: true, Many: true},
	},
	Dispatch: &registry.Dispatch{
		Service: dispatch.ServiceMarketData,
		Method:  http.MethodGet,
		Path:    "/quote",
	},
}

// execute runs a command whose argument set is complete.
func (s *Service) execute(ctx context.Context, chatID int64, from *dispatch.User, cmd *registry.Command, values map[string]any, oneShot bool) []string {
	switch cmd.Name {
	case "price":
		return s.executePrice(ctx, chatID, from, cmd, values, oneShot)
	case "fx":
		return s.executeFX(ctx, chatID, from, cmd, values, oneShot)
	case "buy", "sell":
		return s.executeTrade(ctx, chatID, from, cmd, values, oneShot)
	case "allocation_edit":
		if msg := allocationSumError(values); msg != "" {
			return screens.Invalid(cmd, msg)
		}
	}
	return s.executeGeneric(ctx, chatID, from, cmd, values, oneShot)
}

func (s *Service) executeGeneric(ctx context.Context, chatID int64, from *dispatch.User, cmd *registry.Command, values map[string]any, oneShot bool) []string {
	env := s.dispatch(ctx, cmd, values, from)
	defer s.finishSession(ctx, chatID, cmd, &env, oneShot)
	if !env.OK {
		return screens.Error(cmd, env.Error)
	}
	return s.renderData(cmd, env)
}

// executePrice handles the /quote reply's partial contract: the backend may
// list failed symbols in error details, or silently omit them, in which
// case the handler derives the missing set itself.
func (s *Service) executePrice(ctx context.Context, chatID int64, from *dispatch.User, cmd *registry.Command, values map[string]any, oneShot bool) []string {
	env := s.dispatch(ctx, cmd, values, from)
	if !env.OK {
		s.finishSession(ctx, chatID, cmd, &env, oneShot)
		return screens.Error(cmd, env.Error)
	}

	var v screens.PriceView
	if err := env.DecodeData(&v); err != nil {
		s.log.Error().Err(err).Msg("quote payload decode failed")
		return screens.Error(cmd, nil)
	}

	failed := failedSymbols(&env)
	if len(failed) == 0 {
		failed = derivedMissing(requestedSymbols(values), v.Quotes)
	}

	// A round with failures keeps the sticky session armed even when the
	// command arrived one-shot.
	effective := env
	if len(failed) > 0 {
		effective.Partial = true
	}
	s.finishSession(ctx, chatID, cmd, &effective, oneShot)
	return screens.Price(v, failed)
}

func (s *Service) executeFX(ctx context.Context, chatID int64, from *dispatch.User, cmd *registry.Command, values map[string]any, oneShot bool) []string {
	env := s.dispatch(ctx, cmd, values, from)
	if !env.OK {
		s.finishSession(ctx, chatID, cmd, &env, oneShot)
		return screens.Error(cmd, env.Error)
	}

	var prompt dispatch.FXPromptData
	if err := env.DecodeData(&prompt); err == nil && prompt.FXPrompt {
		missing := make([]string, 0, 2)
		for _, name := range []string{"base", "quote"} {
			if _, ok := values[name]; !ok {
				missing = append(missing, name)
			}
		}
		s.putSession(ctx, &session.Session{
			ChatID:  chatID,
			Cmd:     cmd.Name,
			State:   session.StatePrompting,
			Got:     values,
			Missing: missing,
		})
		return screens.FXPrompt()
	}

	var v screens.FXView
	if err := env.DecodeData(&v); err != nil {
		s.log.Error().Err(err).Msg("fx payload decode failed")
		return screens.Error(cmd, nil)
	}
	s.finishSession(ctx, chatID, cmd, &env, oneShot)
	return screens.FX(askedDirection(v, values))
}

// askedDirection flips an fx answer that came back for the reversed pair.
// The dispatcher queries euro-dollar as USD_EUR whichever way the user
// typed it, so a request for EUR/USD gets the canonical rate back and is
// rendered as its inverse, rounded to four decimals.
func askedDirection(v screens.FXView, values map[string]any) screens.FXView {
	baseCcy, _ := values["base"].(string)
	quoteCcy, _ := values["quote"].(string)
	baseCcy, quoteCcy = strings.ToUpper(baseCcy), strings.ToUpper(quoteCcy)
	if v.Rate == 0 || v.Pair != quoteCcy+"_"+baseCcy || baseCcy == quoteCcy {
		return v
	}
	inv, _ := decimal.NewFromInt(1).
		DivRound(decimal.NewFromFloat(v.Rate), 12).
		Round(4).Float64()
	return screens.FXView{Pair: baseCcy + "_" + quoteCcy, Rate: inv}
}

// executeTrade prices the order before dispatch when the user gave no
// price: the router looks the symbol up itself, bare first and with the
// default market suffix second, and injects the quote. When no quote can
// be found the order still goes out and the core applies its own pricing.
func (s *Service) executeTrade(ctx context.Context, chatID int64, from *dispatch.User, cmd *registry.Command, values map[string]any, oneShot bool) []string {
	if _, ok := values["price"]; !ok {
		sym, _ := values["symbol"].(string)
		if px, ok := s.displayPrice(ctx, sym); ok {
			enriched := make(map[string]any, len(values)+1)
			for k, v := range values {
				enriched[k] = v
			}
			enriched["price"] = px
			values = enriched
		}
	}

	env := s.dispatch(ctx, cmd, values, from)
	defer s.finishSession(ctx, chatID, cmd, &env, oneShot)
	if !env.OK {
		return screens.Error(cmd, env.Error)
	}

	var v screens.TradeView
	if err := env.DecodeData(&v); err != nil {
		s.log.Error().Err(err).Msg("trade payload decode failed")
		return screens.Error(cmd, nil)
	}
	note := ""
	if v.PriceEUR == 0 {
		note = "market"
	}
	return screens.Trade(v, note)
}

// displayPrice resolves a current EUR price for one symbol, trying the
// token as typed and then with the default market suffix.
func (s *Service) displayPrice(ctx context.Context, sym string) (string, bool) {
	if sym == "" {
		return "", false
	}
	for _, candidate := range priceCandidates(sym) {
		env := s.disp.Dispatch(ctx, quoteLookup, map[string]any{"symbols": []string{candidate}}, nil)
		if !env.OK {
			continue
		}
		var v screens.PriceView
		if err := env.DecodeData(&v); err != nil || len(v.Quotes) == 0 {
			continue
		}
		px := v.Quotes[0].PriceEUR
		if px == 0 {
			px = v.Quotes[0].Price
		}
		if px > 0 {
			return decimal.NewFromFloat(px).String(), true
		}
	}
	return "", false
}

func priceCandidates(sym string) []string {
	if strings.Contains(sym, ".") || symbol.IsCrypto(sym) {
		return []string{sym}
	}
	return []string{sym, sym + "." + symbol.DefaultMarketSuffix}
}

// renderData turns a success envelope into reply pages for the command.
func (s *Service) renderData(cmd *registry.Command, env envelope.Envelope) []string {
	decode := func(out any) bool {
		if err := env.DecodeData(out); err != nil {
			s.log.Error().Err(err).Str("cmd", cmd.Name).Msg("payload decode failed")
			return false
		}
		return true
	}
	switch cmd.Name {
	case "portfolio":
		var v screens.PortfolioView
		if decode(&v) {
			return screens.Portfolio(v, env.Partial)
		}
	case "cash":
		var v screens.CashView
		if decode(&v) {
			return screens.Cash(v)
		}
	case "tx":
		var v screens.TxView
		if decode(&v) {
			return screens.Transactions(v)
		}
	case "allocation":
		var v screens.AllocationView
		if decode(&v) {
			return screens.Allocation(v)
		}
	case "add":
		var v screens.AddView
		if decode(&v) {
			return screens.Added(v)
		}
	case "remove":
		var v screens.RemoveView
		if decode(&v) {
			return screens.Removed(v)
		}
	case "cash_add", "cash_remove":
		var v screens.CashOpView
		if decode(&v) {
			return screens.CashOp(v)
		}
	case "allocation_edit":
		var v screens.AllocationEditView
		if decode(&v) {
			return screens.AllocationEdited(v)
		}
	case "rename":
		var v screens.RenameView
		if decode(&v) {
			return screens.Renamed(v)
		}
	case "portfolio_snapshot":
		var v screens.SnapshotView
		if decode(&v) {
			return screens.Snapshot(v)
		}
	case "portfolio_summary":
		var v screens.SummaryView
		if decode(&v) {
			return screens.Summary(v)
		}
	case "portfolio_breakdown":
		var v screens.BreakdownView
		if decode(&v) {
			return screens.Breakdown(v)
		}
	case "portfolio_movers":
		var v screens.MoversView
		if decode(&v) {
			return screens.Movers(v, env.Partial)
		}
	case "portfolio_digest":
		var v screens.DigestView
		if decode(&v) {
			return screens.Digest(v)
		}
	case "po_if":
		var v screens.WhatIfView
		if decode(&v) {
			return screens.WhatIf(v)
		}
	default:
		return []string{"Done."}
	}
	return screens.Error(cmd, nil)
}

// promptPages renders the missing-argument prompt. The allocation_edit
// prompt also shows the stored target.
func (s *Service) promptPages(ctx context.Context, from *dispatch.User, cmd *registry.Command, missing []string) []string {
	if cmd.Name == "allocation_edit" {
		if alloc := s.reg.Resolve("allocation"); alloc != nil && !alloc.Local() {
			env := s.disp.Dispatch(ctx, alloc, nil, from)
			var v screens.AllocationView
			if env.OK && env.DecodeData(&v) == nil {
				return screens.TargetPrompt(cmd, missing, v)
			}
		}
	}
	return screens.Prompt(cmd, missing)
}

func (s *Service) dispatch(ctx context.Context, cmd *registry.Command, values map[string]any, from *dispatch.User) envelope.Envelope {
	env := s.disp.Dispatch(ctx, cmd, values, from)
	svc := "local"
	if cmd.Dispatch != nil {
		svc = cmd.Dispatch.Service
	}
	code := "ok"
	switch {
	case !env.OK:
		code = env.ErrCode()
	case env.Partial:
		code = "partial"
	}
	dispatchTotal.WithLabelValues(svc, code).Inc()
	return env
}

// failedSymbols extracts error.details.symbols_failed from a partial reply.
func failedSymbols(env *envelope.Envelope) []string {
	if env.Error == nil || env.Error.Details == nil {
		return nil
	}
	raw, ok := env.Error.Details["symbols_failed"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// derivedMissing computes requested minus returned when the backend did not
// name the failures itself.
func derivedMissing(requested []string, quotes []screens.QuoteRow) []string {
	present := make(map[string]bool, len(quotes))
	for _, q := range quotes {
		present[q.Symbol] = true
	}
	var missing []string
	for _, sym := range symbol.NormalizeAll(requested) {
		if !present[sym] {
			missing = append(missing, sym)
		}
	}
	return missing
}

func requestedSymbols(values map[string]any) []string {
	switch v := values["symbols"].(type) {
	case []string:
		return v
	case string:
		return symbol.SplitList(v)
	default:
		return nil
	}
}

// confirmSummary words the Y/N question for destructive commands.
func confirmSummary(cmd *registry.Command, values map[string]any) string {
	switch cmd.Name {
	case "remove":
		sym, _ := values["symbol"].(string)
		return fmt.Sprintf("Remove %s and its history from the portfolio?", screens.Ticker(sym))
	case "cash_remove":
		if f, err := convert.FloatFromString(values["amount"]); err == nil {
			return fmt.Sprintf("Remove %s from cash?", screens.Money(f))
		}
		return "Remove that amount from cash?"
	default:
		return "Run /" + cmd.Name + "?"
	}
}

// allocationSumError validates that the three target percentages add up to
// one hundred before the command leaves the router.
func allocationSumError(values map[string]any) string {
	sum := decimal.Zero
	for _, name := range []string{"stock", "etf", "crypto"} {
		raw, ok := values[name].(string)
		if !ok {
			return ""
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return ""
		}
		if d.IsNegative() {
			return name + " cannot be negative"
		}
		sum = sum.Add(d)
	}
	if !sum.Equal(decimal.NewFromInt(100)) {
		return fmt.Sprintf("percentages must add up to 100, got %s", sum.String())
	}
	return ""
}
