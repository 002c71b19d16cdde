// Package screens renders backend envelopes into Telegram messages. Tables
// are wrapped in <pre> blocks and sent with HTML parse mode so columns line
// up, and euro amounts use German separators throughout.
package screens

import (
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/h8man13/h8man-finance-sub000/envelope"
	"github.com/h8man13/h8man-finance-sub000/router/registry"
	"github.com/h8man13/h8man-finance-sub000/symbol"
)

// MaxTableRows bounds the rows per message before the output is paged.
const MaxTableRows = 25

var printer = message.NewPrinter(language.German)

// Money formats a euro amount with German separators, so 1234.5 renders as
// €1.234,50.
func Money(v float64) string {
	return printer.Sprintf("€%.2f", v)
}

// Pct formats a signed percentage with one decimal place: +5.3%.
func Pct(v float64) string {
	return fmt.Sprintf("%+.1f%%", v)
}

// Rate formats an fx rate to at most four decimals with trailing zeros
// stripped, so 2.0 renders as 2 and 1.08499 as 1.085.
func Rate(v float64) string {
	return decimal.NewFromFloat(v).Round(4).String()
}

// FreshnessLetter abbreviates a freshness label to its first letter.
func FreshnessLetter(label string) string {
	if label == "" {
		return "?"
	}
	return strings.ToUpper(label[:1])
}

// Ticker strips the default market suffix for display.
func Ticker(sym string) string {
	return symbol.Bare(sym)
}

func pre(lines []string) string {
	return "<pre>" + html.EscapeString(strings.Join(lines, "\n")) + "</pre>"
}

func plain(s string) string {
	return html.EscapeString(s)
}

// table renders rows under a header with columns padded to equal width.
func table(header []string, rows [][]string) []string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len([]rune(h))
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len([]rune(cell)) > widths[i] {
				widths[i] = len([]rune(cell))
			}
		}
	}
	format := func(cells []string) string {
		var b strings.Builder
		for i, cell := range cells {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				for pad := len([]rune(cell)); pad < widths[i]; pad++ {
					b.WriteByte(' ')
				}
			}
		}
		return b.String()
	}
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, format(header))
	for _, row := range rows {
		lines = append(lines, format(row))
	}
	return lines
}

// pagedTable splits a table into messages of at most MaxTableRows rows,
// repeating the header on every page.
func pagedTable(header []string, rows [][]string, footer []string) []string {
	if len(rows) <= MaxTableRows {
		lines := table(header, rows)
		lines = append(lines, footer...)
		return []string{pre(lines)}
	}
	var pages []string
	for start := 0; start < len(rows); start += MaxTableRows {
		end := start + MaxTableRows
		if end > len(rows) {
			end = len(rows)
		}
		lines := table(header, rows[start:end])
		if end == len(rows) {
			lines = append(lines, footer...)
		}
		pages = append(pages, pre(lines))
	}
	return pages
}

// Help lists every registered command with its usage line.
func Help(cmds []*registry.Command) []string {
	rows := make([][]string, 0, len(cmds))
	for _, c := range cmds {
		rows = append(rows, []string{c.Usage, c.Help})
	}
	return pagedTable([]string{"COMMAND", "WHAT IT DOES"}, rows, nil)
}

// Unknown is the reply to an unrecognized command or stray text.
func Unknown() []string {
	return []string{"I did not catch that. Try /help for the command list."}
}

// NotAuthorized is the reply to chats outside the owner allowlist.
func NotAuthorized() []string {
	return []string{"This bot is private."}
}

// Canceled confirms that the pending command was dropped.
func Canceled() []string {
	return []string{"Canceled."}
}

// Prompt asks for the arguments still missing from a command.
func Prompt(cmd *registry.Command, missing []string) []string {
	return []string{plain(fmt.Sprintf("Need %s. Usage: %s", strings.Join(missing, ", "), cmd.Usage))}
}

// Invalid explains a parse failure and repeats the usage and example.
func Invalid(cmd *registry.Command, errMsg string) []string {
	return []string{plain(fmt.Sprintf("%s. Usage: %s (example: %s)", errMsg, cmd.Usage, cmd.Example))}
}

// TargetPrompt is the allocation_edit prompt, led by the stored target so
// the user edits from the current values.
func TargetPrompt(cmd *registry.Command, missing []string, v AllocationView) []string {
	line := "No target set yet."
	if v.Target != nil {
		line = fmt.Sprintf("Current target: stock %s, etf %s, crypto %s.",
			Pct(v.Target.StockPct), Pct(v.Target.ETFPct), Pct(v.Target.CryptoPct))
	}
	return []string{plain(fmt.Sprintf("%s Need %s. Usage: %s", line, strings.Join(missing, ", "), cmd.Usage))}
}

// ConfirmPrompt asks for a Y/N decision on a destructive command.
func ConfirmPrompt(summary string) []string {
	return []string{plain(summary + " Reply Y to confirm or N to cancel.")}
}

// Error renders a backend error envelope in one or two plain sentences.
func Error(cmd *registry.Command, e *envelope.ErrorBody) []string {
	if e == nil {
		return []string{"Something went wrong."}
	}
	msg := e.Message
	if msg == "" {
		msg = "Something went wrong."
	}
	switch e.Code {
	case envelope.CodeBadInput:
		if cmd != nil && cmd.Usage != "" {
			return []string{plain(fmt.Sprintf("%s. Usage: %s (example: %s)", msg, cmd.Usage, cmd.Example))}
		}
		return []string{plain(msg)}
	case envelope.CodeInsufficient:
		lines := []string{msg}
		if bal, ok := e.Details["current_balance"].(string); ok {
			if d, err := decimal.NewFromString(bal); err == nil {
				f, _ := d.Float64()
				lines = append(lines, "Balance: "+Money(f))
			}
		}
		if held, ok := e.Details["held_qty"].(string); ok {
			lines = append(lines, "Held: "+held)
		}
		return []string{plain(strings.Join(lines, " "))}
	case envelope.CodeRateLimit:
		return []string{plain(msg + " Please slow down.")}
	case envelope.CodeTimeout, envelope.CodeUpstreamError:
		if e.Retriable {
			return []string{plain(msg + " Try again in a moment.")}
		}
		return []string{plain(msg)}
	default:
		return []string{plain(msg)}
	}
}
