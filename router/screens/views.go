package screens

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// View payloads mirror the JSON the backends put in envelope data. Only the
// fields the screens print are declared.

// QuoteRow is one market data quote.
type QuoteRow struct {
	Symbol    string  `json:"symbol"`
	Market    string  `json:"market"`
	Currency  string  `json:"currency"`
	Price     float64 `json:"price"`
	PriceEUR  float64 `json:"price_eur"`
	Open      float64 `json:"open"`
	OpenEUR   float64 `json:"open_eur"`
	Freshness string  `json:"freshness"`
}

// PriceView is the market data /quote payload.
type PriceView struct {
	Quotes []QuoteRow `json:"quotes"`
}

// FXView is the fx service payload.
type FXView struct {
	Pair string  `json:"pair"`
	Rate float64 `json:"rate"`
}

// HoldingRow is one position in the portfolio view.
type HoldingRow struct {
	Symbol      string  `json:"symbol"`
	DisplayName string  `json:"display_name"`
	AssetClass  string  `json:"asset_class"`
	Qty         float64 `json:"qty"`
	PriceEUR    float64 `json:"price_eur"`
	ValueEUR    float64 `json:"value_eur"`
	Freshness   string  `json:"freshness"`
}

// PortfolioView is the portfolio core /portfolio payload.
type PortfolioView struct {
	TotalValueEUR float64      `json:"total_value_eur"`
	CashEUR       float64      `json:"cash_eur"`
	Holdings      []HoldingRow `json:"holdings"`
}

// CashView is the /cash payload.
type CashView struct {
	CashEUR float64 `json:"cash_eur"`
}

// TxRow is one ledger entry in the /tx payload.
type TxRow struct {
	TS           string  `json:"ts"`
	Type         string  `json:"type"`
	Symbol       string  `json:"symbol"`
	Qty          float64 `json:"qty"`
	CashDeltaEUR float64 `json:"cash_delta_eur"`
}

// TxView is the /tx payload.
type TxView struct {
	Transactions []TxRow `json:"transactions"`
	Count        int     `json:"count"`
}

// Split is an asset class percentage triple.
type Split struct {
	StockPct  float64 `json:"stock_pct"`
	ETFPct    float64 `json:"etf_pct"`
	CryptoPct float64 `json:"crypto_pct"`
}

// AllocationView is the /allocation payload.
type AllocationView struct {
	Current Split  `json:"current"`
	Target  *Split `json:"target"`
}

// AddView is the /add result.
type AddView struct {
	Symbol     string  `json:"symbol"`
	QtyAdded   float64 `json:"qty_added"`
	Qty        float64 `json:"qty"`
	AvgCostEUR float64 `json:"avg_cost_eur"`
	AssetClass string  `json:"asset_class"`
}

// RemoveView is the /remove result.
type RemoveView struct {
	Symbol     string  `json:"symbol"`
	QtyRemoved float64 `json:"qty_removed"`
}

// CashOpView is the /cash_add and /cash_remove result.
type CashOpView struct {
	Op        string  `json:"op"`
	AmountEUR float64 `json:"amount_eur"`
	CashEUR   float64 `json:"cash_eur"`
}

// TradeView is the /buy and /sell result.
type TradeView struct {
	Op         string  `json:"op"`
	Symbol     string  `json:"symbol"`
	Qty        float64 `json:"qty"`
	PriceEUR   float64 `json:"price_eur"`
	AmountEUR  float64 `json:"amount_eur"`
	FeesEUR    float64 `json:"fees_eur"`
	QtyHeld    float64 `json:"qty_held"`
	AvgCostEUR float64 `json:"avg_cost_eur"`
	CashEUR    float64 `json:"cash_eur"`
}

// AllocationEditView is the /allocation_edit result.
type AllocationEditView struct {
	Previous *Split `json:"previous"`
	Target   Split  `json:"target"`
}

// RenameView is the /rename result.
type RenameView struct {
	Symbol      string `json:"symbol"`
	DisplayName string `json:"display_name"`
}

// BucketRow is one label/percent pair of a snapshot report.
type BucketRow struct {
	Label string  `json:"label"`
	Pct   float64 `json:"pct"`
}

// SnapshotView is the /portfolio_snapshot payload.
type SnapshotView struct {
	Period  string      `json:"period"`
	Buckets []BucketRow `json:"buckets"`
}

// TWRView carries time-weighted returns per window; absent windows are null.
type TWRView struct {
	Day   *float64 `json:"d"`
	Week  *float64 `json:"w"`
	Month *float64 `json:"m"`
	Year  *float64 `json:"y"`
}

// SummaryView is the /portfolio_summary payload.
type SummaryView struct {
	ValueEUR  float64 `json:"value_eur"`
	CashEUR   float64 `json:"cash_eur"`
	Positions int     `json:"positions"`
	TWR       TWRView `json:"twr_pct"`
}

// ClassSliceView is one class of the /portfolio_breakdown payload.
type ClassSliceView struct {
	ValueEUR  float64 `json:"value_eur"`
	WeightPct float64 `json:"weight_pct"`
}

// BreakdownView is the /portfolio_breakdown payload.
type BreakdownView struct {
	Classes       map[string]ClassSliceView `json:"classes"`
	CashEUR       float64                   `json:"cash_eur"`
	TotalValueEUR float64                   `json:"total_value_eur"`
}

// MoverRow is one symbol/percent pair.
type MoverRow struct {
	Symbol string  `json:"symbol"`
	Pct    float64 `json:"pct"`
}

// MoversView is the /portfolio_movers payload.
type MoversView struct {
	Period string     `json:"period"`
	Movers []MoverRow `json:"movers"`
}

// DigestView is the /portfolio_digest payload.
type DigestView struct {
	Period   string    `json:"period"`
	TWRPct   *float64  `json:"twr_pct"`
	ValueEUR float64   `json:"value_eur"`
	CashEUR  float64   `json:"cash_eur"`
	Best     *MoverRow `json:"best"`
	Worst    *MoverRow `json:"worst"`
}

// WhatIfView is the /po_if payload.
type WhatIfView struct {
	Scope             string  `json:"scope"`
	DeltaPct          float64 `json:"delta_pct"`
	CurrentValueEUR   float64 `json:"current_value_eur"`
	ProjectedValueEUR float64 `json:"projected_value_eur"`
	DeltaEUR          float64 `json:"delta_eur"`
}

var periodNames = map[string]string{
	"d": "today",
	"w": "this week",
	"m": "this month",
	"y": "this year",
}

func periodName(p string) string {
	if name, ok := periodNames[p]; ok {
		return name
	}
	return p
}

// Price renders the quote table. failed lists symbols the backend could not
// resolve on a partial reply.
func Price(v PriceView, failed []string) []string {
	if len(v.Quotes) == 0 && len(failed) == 0 {
		return []string{"No quotes."}
	}
	rows := make([][]string, 0, len(v.Quotes))
	for _, q := range v.Quotes {
		now := q.PriceEUR
		if now == 0 {
			now = q.Price
		}
		open := q.OpenEUR
		if open == 0 {
			open = q.Open
		}
		pct := "n/a"
		if open != 0 {
			pct = Pct((now - open) / open * 100)
		}
		rows = append(rows, []string{
			Ticker(q.Symbol),
			Money(now),
			Money(open),
			pct,
			q.Market,
			FreshnessLetter(q.Freshness),
		})
	}
	var pages []string
	if len(rows) > 0 {
		pages = pagedTable([]string{"TICKER", "NOW", "OPEN", "%", "MARKET", "FRESHNESS"}, rows, nil)
	}
	if len(failed) > 0 {
		pages = append(pages, plain("Could not find: "+strings.Join(failed, ", ")))
	}
	return pages
}

// FX renders a rate and its inverse, both trimmed to four decimals.
func FX(v FXView) []string {
	base, quote, ok := strings.Cut(v.Pair, "_")
	if !ok {
		base, quote = v.Pair, ""
	}
	lines := []string{fmt.Sprintf("%s/%s = %s", base, quote, Rate(v.Rate))}
	if v.Rate != 0 {
		inv, _ := decimal.NewFromInt(1).
			DivRound(decimal.NewFromFloat(v.Rate), 12).
			Round(4).Float64()
		lines = append(lines, fmt.Sprintf("%s/%s = %s", quote, base, Rate(inv)))
	}
	return []string{pre(lines)}
}

// FXPrompt asks for a currency pair.
func FXPrompt() []string {
	return []string{"Which pair? Send two currency codes, like: eur usd"}
}

// Portfolio renders holdings, cash and total. degraded marks stale pricing.
func Portfolio(v PortfolioView, degraded bool) []string {
	if len(v.Holdings) == 0 {
		lines := []string{"Portfolio is empty.", "Cash " + Money(v.CashEUR)}
		return []string{plain(strings.Join(lines, " "))}
	}
	rows := make([][]string, 0, len(v.Holdings))
	for _, h := range v.Holdings {
		name := h.DisplayName
		if name == "" {
			name = Ticker(h.Symbol)
		}
		rows = append(rows, []string{
			name,
			trimQty(h.Qty),
			Money(h.PriceEUR),
			Money(h.ValueEUR),
			FreshnessLetter(h.Freshness),
		})
	}
	footer := []string{
		"",
		"Cash  " + Money(v.CashEUR),
		"Total " + Money(v.TotalValueEUR),
	}
	if degraded {
		footer = append(footer, "Prices may be stale.")
	}
	return pagedTable([]string{"NAME", "QTY", "PRICE", "VALUE", "F"}, rows, footer)
}

// Cash renders the cash balance.
func Cash(v CashView) []string {
	return []string{plain("Cash " + Money(v.CashEUR))}
}

// Transactions renders the ledger tail.
func Transactions(v TxView) []string {
	if len(v.Transactions) == 0 {
		return []string{"No transactions yet."}
	}
	rows := make([][]string, 0, len(v.Transactions))
	for _, tx := range v.Transactions {
		sym := ""
		if tx.Symbol != "" {
			sym = Ticker(tx.Symbol)
		}
		qty := ""
		if tx.Qty != 0 {
			qty = trimQty(tx.Qty)
		}
		rows = append(rows, []string{
			shortDate(tx.TS),
			strings.ToUpper(tx.Type),
			sym,
			qty,
			Money(tx.CashDeltaEUR),
		})
	}
	return pagedTable([]string{"DATE", "TYPE", "TICKER", "QTY", "CASH"}, rows, nil)
}

// Allocation renders the current split against the target, if one is set.
func Allocation(v AllocationView) []string {
	rows := [][]string{
		{"stock", Pct(v.Current.StockPct), targetCell(v.Target, func(s *Split) float64 { return s.StockPct })},
		{"etf", Pct(v.Current.ETFPct), targetCell(v.Target, func(s *Split) float64 { return s.ETFPct })},
		{"crypto", Pct(v.Current.CryptoPct), targetCell(v.Target, func(s *Split) float64 { return s.CryptoPct })},
	}
	footer := []string(nil)
	if v.Target == nil {
		footer = []string{"", "No target set. Use /allocation_edit."}
	}
	return pagedTable([]string{"CLASS", "NOW", "TARGET"}, rows, footer)
}

func targetCell(t *Split, pick func(*Split) float64) string {
	if t == nil {
		return "n/a"
	}
	return Pct(pick(t))
}

// Added confirms an /add.
func Added(v AddView) []string {
	msg := fmt.Sprintf("Added %s %s (%s). Holding %s at %s avg cost.",
		trimQty(v.QtyAdded), Ticker(v.Symbol), v.AssetClass, trimQty(v.Qty), Money(v.AvgCostEUR))
	return []string{plain(msg)}
}

// Removed confirms a /remove.
func Removed(v RemoveView) []string {
	return []string{plain(fmt.Sprintf("Removed %s (%s units).", Ticker(v.Symbol), trimQty(v.QtyRemoved)))}
}

// CashOp confirms a cash_add or cash_remove.
func CashOp(v CashOpView) []string {
	verb := "Added"
	if v.Op == "cash_remove" {
		verb = "Removed"
	}
	return []string{plain(fmt.Sprintf("%s %s. Cash %s.", verb, Money(v.AmountEUR), Money(v.CashEUR)))}
}

// Trade confirms a buy or sell. priceNote replaces the price column when the
// order went through at an unknown market price.
func Trade(v TradeView, priceNote string) []string {
	price := Money(v.PriceEUR)
	if priceNote != "" {
		price = priceNote
	}
	verb := "Bought"
	if v.Op == "sell" {
		verb = "Sold"
	}
	msg := fmt.Sprintf("%s %s %s at %s for %s.", verb, trimQty(v.Qty), Ticker(v.Symbol), price, Money(v.AmountEUR))
	if v.FeesEUR != 0 {
		msg += fmt.Sprintf(" Fees %s.", Money(v.FeesEUR))
	}
	msg += fmt.Sprintf(" Holding %s, cash %s.", trimQty(v.QtyHeld), Money(v.CashEUR))
	return []string{plain(msg)}
}

// AllocationEdited confirms a target change.
func AllocationEdited(v AllocationEditView) []string {
	msg := fmt.Sprintf("Target set to stock %s, etf %s, crypto %s.",
		Pct(v.Target.StockPct), Pct(v.Target.ETFPct), Pct(v.Target.CryptoPct))
	if v.Previous != nil {
		msg += fmt.Sprintf(" Was stock %s, etf %s, crypto %s.",
			Pct(v.Previous.StockPct), Pct(v.Previous.ETFPct), Pct(v.Previous.CryptoPct))
	}
	return []string{plain(msg)}
}

// Renamed confirms a display name change.
func Renamed(v RenameView) []string {
	return []string{plain(fmt.Sprintf("%s now shows as %q.", Ticker(v.Symbol), v.DisplayName))}
}

// Snapshot renders the per-bucket return report.
func Snapshot(v SnapshotView) []string {
	rows := make([][]string, 0, len(v.Buckets))
	for _, b := range v.Buckets {
		rows = append(rows, []string{b.Label, Pct(b.Pct)})
	}
	footer := []string{"", "Returns " + periodName(v.Period) + "."}
	return pagedTable([]string{"BUCKET", "RETURN"}, rows, footer)
}

// Summary renders value, cash and the TWR windows.
func Summary(v SummaryView) []string {
	lines := []string{
		"Value " + Money(v.ValueEUR),
		"Cash  " + Money(v.CashEUR),
		fmt.Sprintf("Positions %d", v.Positions),
		"",
		"Day   " + twrCell(v.TWR.Day),
		"Week  " + twrCell(v.TWR.Week),
		"Month " + twrCell(v.TWR.Month),
		"Year  " + twrCell(v.TWR.Year),
	}
	return []string{pre(lines)}
}

func twrCell(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return Pct(*v)
}

// Breakdown renders value and weight per asset class.
func Breakdown(v BreakdownView) []string {
	rows := make([][]string, 0, len(v.Classes)+1)
	for _, class := range []string{"stock", "etf", "crypto"} {
		slice, ok := v.Classes[class]
		if !ok {
			continue
		}
		rows = append(rows, []string{class, Money(slice.ValueEUR), Pct(slice.WeightPct)})
	}
	footer := []string{
		"",
		"Cash  " + Money(v.CashEUR),
		"Total " + Money(v.TotalValueEUR),
	}
	return pagedTable([]string{"CLASS", "VALUE", "WEIGHT"}, rows, footer)
}

// Movers renders the holdings ranked by period change.
func Movers(v MoversView, degraded bool) []string {
	if len(v.Movers) == 0 {
		if degraded {
			return []string{"Market data is unavailable right now. Try again in a moment."}
		}
		return []string{"No movers " + periodName(v.Period) + "."}
	}
	rows := make([][]string, 0, len(v.Movers))
	for _, m := range v.Movers {
		rows = append(rows, []string{Ticker(m.Symbol), Pct(m.Pct)})
	}
	footer := []string{"", "Change " + periodName(v.Period) + "."}
	return pagedTable([]string{"TICKER", "CHANGE"}, rows, footer)
}

// Digest renders the compact period overview.
func Digest(v DigestView) []string {
	lines := []string{
		"Value  " + Money(v.ValueEUR),
		"Cash   " + Money(v.CashEUR),
		"Return " + twrCell(v.TWRPct),
	}
	if v.Best != nil {
		lines = append(lines, fmt.Sprintf("Best   %s %s", Ticker(v.Best.Symbol), Pct(v.Best.Pct)))
	}
	if v.Worst != nil {
		lines = append(lines, fmt.Sprintf("Worst  %s %s", Ticker(v.Worst.Symbol), Pct(v.Worst.Pct)))
	}
	lines = append(lines, "", "Digest "+periodName(v.Period)+".")
	return []string{pre(lines)}
}

// WhatIf renders a hypothetical move.
func WhatIf(v WhatIfView) []string {
	subject := "the portfolio"
	if v.Scope != "" && v.Scope != "portfolio" {
		subject = v.Scope
	}
	msg := fmt.Sprintf("If %s moves %s, the portfolio changes by %s to %s (now %s).",
		subject, Pct(v.DeltaPct), Money(v.DeltaEUR),
		Money(v.ProjectedValueEUR), Money(v.CurrentValueEUR))
	return []string{plain(msg)}
}

// trimQty drops insignificant trailing zeros from a quantity.
func trimQty(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// shortDate keeps the date part of an RFC3339 timestamp.
func shortDate(ts string) string {
	if len(ts) >= 10 {
		return ts[:10]
	}
	return ts
}
