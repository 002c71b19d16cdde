package portfolio

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/volatiletech/null"

	"github.com/h8man13/h8man-finance-sub000/asset"
	"github.com/h8man13/h8man-finance-sub000/envelope"
	"github.com/h8man13/h8man-finance-sub000/portfolio/ledger"
	"github.com/h8man13/h8man-finance-sub000/symbol"
)

// avgCostScale bounds stored weighted-average cost precision.
const avgCostScale = 8

// applyFn persists a prepared mutation inside the operation transaction.
type applyFn func(ctx context.Context, tx *sql.Tx) error

// prepareFn validates and stages a mutation. It runs under the user lock but
// outside any transaction, so it may read current state and call market-data.
// A non-nil reject becomes the operation outcome and is cached for replay; a
// non-nil error aborts without caching.
type prepareFn func(ctx context.Context) (data any, reject *envelope.ErrorBody, apply applyFn, err error)

func reject(code, message string) *envelope.ErrorBody {
	return &envelope.ErrorBody{
		Code:      code,
		Message:   message,
		Source:    serviceName,
		Retriable: envelope.Retriable(code),
	}
}

func rejectWithDetails(code, message string, details map[string]any) *envelope.ErrorBody {
	body := reject(code, message)
	body.Details = details
	return body
}

// runMutation is the shared execution path for every ledger mutation: per
// user serialization, op-cache replay, one transaction covering the user
// upsert, the staged writes and the result row, then a snapshot refresh.
func (s *Service) runMutation(ctx context.Context, uc *UserContext, opID, opName string, prepare prepareFn) envelope.Envelope {
	if uc == nil || uc.UserID == 0 {
		return envelope.Err(envelope.CodeBadInput, "user_id is required", serviceName)
	}
	if opID == "" {
		return envelope.Err(envelope.CodeBadInput, "op_id is required", serviceName)
	}

	unlock := s.locks.Lock(uc.UserID)
	defer unlock()

	cached, err := s.store.OpCacheGet(ctx, s.store.DB(), uc.UserID, opID)
	if err == nil {
		var env envelope.Envelope
		if err := json.Unmarshal(cached, &env); err == nil {
			opReplays.WithLabelValues(opName).Inc()
			s.log.Info().Int64("user_id", uc.UserID).Str("op", opName).
				Str("op_id", opID).Msg("op replayed from cache")
			return env
		}
		s.log.Warn().Int64("user_id", uc.UserID).Str("op_id", opID).
			Msg("op cache row unreadable, rerunning")
	}

	data, rejected, apply, err := prepare(ctx)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", uc.UserID).Str("op", opName).
			Msg("op preparation failed")
		return envelope.Err(envelope.CodeInternal, "operation failed", serviceName)
	}

	var env envelope.Envelope
	if rejected != nil {
		env = envelope.Envelope{OK: false, Error: rejected, TS: time.Now().UTC()}
	} else {
		env = envelope.OK(data)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return envelope.Err(envelope.CodeInternal, "response encoding failed", serviceName)
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.UpsertUser(ctx, tx, uc.user()); err != nil {
			return err
		}
		if rejected == nil && apply != nil {
			if err := apply(ctx, tx); err != nil {
				return err
			}
		}
		return s.store.OpCachePut(ctx, tx, uc.UserID, opID, opName, raw)
	})
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", uc.UserID).Str("op", opName).
			Msg("op transaction failed")
		return envelope.Err(envelope.CodeInternal, "operation failed", serviceName)
	}

	opTotal.WithLabelValues(opName).Inc()
	if rejected != nil {
		opRejects.WithLabelValues(opName, rejected.Code).Inc()
		return env
	}

	if err := s.refreshSnapshot(ctx, uc.UserID); err != nil {
		s.log.Warn().Err(err).Int64("user_id", uc.UserID).
			Msg("snapshot refresh after mutation failed")
	}
	return env
}

// money renders a stored decimal as a 2dp wire number.
func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

// cost renders per-unit prices at 4dp.
func cost(d decimal.Decimal) float64 {
	return d.Round(4).InexactFloat64()
}

func qtyFloat(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

// lookupQuote fetches a single normalized symbol quote, nil when market data
// cannot price it.
func (s *Service) lookupQuote(ctx context.Context, sym string) *Quote {
	if s.quotes == nil {
		return nil
	}
	quotes, err := s.quotes.Quotes(ctx, []string{sym})
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", sym).Msg("quote lookup failed")
		return nil
	}
	if q, ok := quotes[sym]; ok {
		return &q
	}
	return nil
}

// instrumentFor resolves class, market and currency for a new position.
// Explicit user class wins, then market-data meta, then suffix inference.
func (s *Service) instrumentFor(ctx context.Context, sym string, q *Quote, userClass asset.Class) (class asset.Class, market, currency string) {
	inferredClass, market, currency := symbol.InferMeta(sym)
	class = inferredClass

	if q != nil {
		if q.Market != "" {
			market = q.Market
		}
		if q.Currency != "" {
			currency = q.Currency
		}
	} else if s.quotes != nil {
		if meta, err := s.quotes.Meta(ctx, sym); err == nil {
			if c, err := asset.New(meta.AssetClass); err == nil {
				class = c
			}
			if meta.Market != "" {
				market = meta.Market
			}
			if meta.Currency != "" {
				currency = meta.Currency
			}
		}
	}

	if userClass != asset.Empty {
		class = userClass
	}
	return class, market, currency
}

// Add records qty of a symbol. Existing positions keep their average cost;
// new ones take the current EUR quote, zero when unavailable.
func (s *Service) Add(ctx context.Context, uc *UserContext, req *AddRequest) envelope.Envelope {
	return s.runMutation(ctx, uc, req.OpID, "add", func(ctx context.Context) (any, *envelope.ErrorBody, applyFn, error) {
		if strings.TrimSpace(req.Symbol) == "" {
			return nil, reject(envelope.CodeBadInput, "symbol is required"), nil, nil
		}
		if !req.Qty.IsPositive() {
			return nil, reject(envelope.CodeBadInput, "qty must be positive"), nil, nil
		}
		userClass := asset.Empty
		if req.AssetClass != "" {
			c, err := asset.New(req.AssetClass)
			if err != nil {
				return nil, reject(envelope.CodeBadInput, "asset_class must be one of "+asset.Supported().JoinToString(", ")), nil, nil
			}
			userClass = c
		}
		sym := symbol.Normalize(req.Symbol)

		pos, err := s.store.Position(ctx, s.store.DB(), uc.UserID, sym)
		switch {
		case err == nil:
			pos.Qty = pos.Qty.Add(req.Qty)
			if userClass != asset.Empty {
				pos.AssetClass = userClass
			}
		case errorsIsNotFound(err):
			var price decimal.Decimal
			q := s.lookupQuote(ctx, sym)
			if q != nil {
				price = q.PriceEUR
			}
			class, market, currency := s.instrumentFor(ctx, sym, q, userClass)
			pos = &ledger.Position{
				UserID:     uc.UserID,
				Symbol:     sym,
				AssetClass: class,
				Market:     market,
				Currency:   currency,
				Qty:        req.Qty,
				AvgCostEUR: price,
				AvgCostCCY: price,
			}
		default:
			return nil, nil, nil, err
		}

		tx := &ledger.Transaction{
			UserID:       uc.UserID,
			OpID:         null.StringFrom(req.OpID),
			TS:           s.now().UTC(),
			Type:         ledger.TxAdd,
			Symbol:       null.StringFrom(sym),
			AssetClass:   null.StringFrom(pos.AssetClass.String()),
			Qty:          req.Qty,
			PriceEUR:     pos.AvgCostEUR,
			AmountEUR:    req.Qty.Mul(pos.AvgCostEUR),
			CashDeltaEUR: decimal.Zero,
			FeesEUR:      decimal.Zero,
		}
		data := &AddResult{
			Op:         "add",
			Symbol:     sym,
			QtyAdded:   qtyFloat(req.Qty),
			Qty:        qtyFloat(pos.Qty),
			AvgCostEUR: cost(pos.AvgCostEUR),
			AssetClass: pos.AssetClass.String(),
			Market:     pos.Market,
			Currency:   pos.Currency,
		}
		apply := func(ctx context.Context, dbtx *sql.Tx) error {
			if err := s.store.UpsertPosition(ctx, dbtx, pos); err != nil {
				return err
			}
			return s.store.AppendTransaction(ctx, dbtx, tx)
		}
		return data, nil, apply, nil
	})
}

// Remove drops a whole position.
func (s *Service) Remove(ctx context.Context, uc *UserContext, req *RemoveRequest) envelope.Envelope {
	return s.runMutation(ctx, uc, req.OpID, "remove", func(ctx context.Context) (any, *envelope.ErrorBody, applyFn, error) {
		if strings.TrimSpace(req.Symbol) == "" {
			return nil, reject(envelope.CodeBadInput, "symbol is required"), nil, nil
		}
		sym := symbol.Normalize(req.Symbol)

		pos, err := s.store.Position(ctx, s.store.DB(), uc.UserID, sym)
		if errorsIsNotFound(err) {
			return nil, reject(envelope.CodeNotFound, "position not found: "+sym), nil, nil
		}
		if err != nil {
			return nil, nil, nil, err
		}

		tx := &ledger.Transaction{
			UserID:       uc.UserID,
			OpID:         null.StringFrom(req.OpID),
			TS:           s.now().UTC(),
			Type:         ledger.TxRemove,
			Symbol:       null.StringFrom(sym),
			AssetClass:   null.StringFrom(pos.AssetClass.String()),
			Qty:          pos.Qty,
			PriceEUR:     pos.AvgCostEUR,
			AmountEUR:    pos.Qty.Mul(pos.AvgCostEUR),
			CashDeltaEUR: decimal.Zero,
			FeesEUR:      decimal.Zero,
		}
		data := &RemoveResult{Op: "remove", Symbol: sym, QtyRemoved: qtyFloat(pos.Qty)}
		apply := func(ctx context.Context, dbtx *sql.Tx) error {
			if err := s.store.DeletePosition(ctx, dbtx, uc.UserID, sym); err != nil {
				return err
			}
			return s.store.AppendTransaction(ctx, dbtx, tx)
		}
		return data, nil, apply, nil
	})
}

// CashAdd credits the cash balance.
func (s *Service) CashAdd(ctx context.Context, uc *UserContext, req *CashRequest) envelope.Envelope {
	return s.runMutation(ctx, uc, req.OpID, "cash_add", func(ctx context.Context) (any, *envelope.ErrorBody, applyFn, error) {
		if !req.AmountEUR.IsPositive() {
			return nil, reject(envelope.CodeBadInput, "amount_eur must be positive"), nil, nil
		}
		balance, err := s.store.Cash(ctx, s.store.DB(), uc.UserID)
		if err != nil {
			return nil, nil, nil, err
		}
		newBalance := balance.Add(req.AmountEUR)

		tx := &ledger.Transaction{
			UserID:       uc.UserID,
			OpID:         null.StringFrom(req.OpID),
			TS:           s.now().UTC(),
			Type:         ledger.TxCashAdd,
			Qty:          decimal.Zero,
			PriceEUR:     decimal.Zero,
			AmountEUR:    req.AmountEUR,
			CashDeltaEUR: req.AmountEUR,
			FeesEUR:      decimal.Zero,
		}
		data := &CashResult{Op: "cash_add", AmountEUR: money(req.AmountEUR), CashEUR: money(newBalance)}
		apply := func(ctx context.Context, dbtx *sql.Tx) error {
			if err := s.store.SetCash(ctx, dbtx, uc.UserID, newBalance); err != nil {
				return err
			}
			return s.store.AppendTransaction(ctx, dbtx, tx)
		}
		return data, nil, apply, nil
	})
}

// CashRemove debits the cash balance, rejecting overdrafts.
func (s *Service) CashRemove(ctx context.Context, uc *UserContext, req *CashRequest) envelope.Envelope {
	return s.runMutation(ctx, uc, req.OpID, "cash_remove", func(ctx context.Context) (any, *envelope.ErrorBody, applyFn, error) {
		if !req.AmountEUR.IsPositive() {
			return nil, reject(envelope.CodeBadInput, "amount_eur must be positive"), nil, nil
		}
		balance, err := s.store.Cash(ctx, s.store.DB(), uc.UserID)
		if err != nil {
			return nil, nil, nil, err
		}
		if balance.LessThan(req.AmountEUR) {
			return nil, rejectWithDetails(envelope.CodeInsufficient, "Not enough cash",
				map[string]any{"current_balance": balance.StringFixed(2)}), nil, nil
		}
		newBalance := balance.Sub(req.AmountEUR)

		tx := &ledger.Transaction{
			UserID:       uc.UserID,
			OpID:         null.StringFrom(req.OpID),
			TS:           s.now().UTC(),
			Type:         ledger.TxCashRemove,
			Qty:          decimal.Zero,
			PriceEUR:     decimal.Zero,
			AmountEUR:    req.AmountEUR,
			CashDeltaEUR: req.AmountEUR.Neg(),
			FeesEUR:      decimal.Zero,
		}
		data := &CashResult{Op: "cash_remove", AmountEUR: money(req.AmountEUR), CashEUR: money(newBalance)}
		apply := func(ctx context.Context, dbtx *sql.Tx) error {
			if err := s.store.SetCash(ctx, dbtx, uc.UserID, newBalance); err != nil {
				return err
			}
			return s.store.AppendTransaction(ctx, dbtx, tx)
		}
		return data, nil, apply, nil
	})
}

func (s *Service) validateTrade(req *TradeRequest) *envelope.ErrorBody {
	if strings.TrimSpace(req.Symbol) == "" {
		return reject(envelope.CodeBadInput, "symbol is required")
	}
	if !req.Qty.IsPositive() {
		return reject(envelope.CodeBadInput, "qty must be positive")
	}
	if req.PriceEUR != nil && !req.PriceEUR.IsPositive() {
		return reject(envelope.CodeBadInput, "price_eur must be positive")
	}
	if req.FeesEUR.IsNegative() {
		return reject(envelope.CodeBadInput, "fees_eur must not be negative")
	}
	return nil
}

// resolvePrice returns the explicit price or the latest EUR quote.
func (s *Service) resolvePrice(ctx context.Context, sym string, explicit *decimal.Decimal) (decimal.Decimal, bool) {
	if explicit != nil {
		return *explicit, true
	}
	if q := s.lookupQuote(ctx, sym); q != nil && q.PriceEUR.IsPositive() {
		return q.PriceEUR, true
	}
	return decimal.Zero, false
}

// Buy purchases qty at the resolved price, debiting cash including fees and
// re-averaging the position cost basis.
func (s *Service) Buy(ctx context.Context, uc *UserContext, req *TradeRequest) envelope.Envelope {
	return s.runMutation(ctx, uc, req.OpID, "buy", func(ctx context.Context) (any, *envelope.ErrorBody, applyFn, error) {
		if bad := s.validateTrade(req); bad != nil {
			return nil, bad, nil, nil
		}
		sym := symbol.Normalize(req.Symbol)

		price, ok := s.resolvePrice(ctx, sym, req.PriceEUR)
		if !ok {
			return nil, reject(envelope.CodeBadInput, "no price available for "+sym), nil, nil
		}
		amount := req.Qty.Mul(price)
		totalCost := amount.Add(req.FeesEUR)

		balance, err := s.store.Cash(ctx, s.store.DB(), uc.UserID)
		if err != nil {
			return nil, nil, nil, err
		}
		if balance.LessThan(totalCost) {
			return nil, rejectWithDetails(envelope.CodeInsufficient, "Not enough cash to buy",
				map[string]any{"current_balance": balance.StringFixed(2)}), nil, nil
		}
		newBalance := balance.Sub(totalCost)

		pos, err := s.store.Position(ctx, s.store.DB(), uc.UserID, sym)
		switch {
		case err == nil:
			oldQty := pos.Qty
			pos.Qty = oldQty.Add(req.Qty)
			pos.AvgCostEUR = oldQty.Mul(pos.AvgCostEUR).Add(amount).
				Div(pos.Qty).Round(avgCostScale)
		case errorsIsNotFound(err):
			class, market, currency := s.instrumentFor(ctx, sym, nil, asset.Empty)
			pos = &ledger.Position{
				UserID:     uc.UserID,
				Symbol:     sym,
				AssetClass: class,
				Market:     market,
				Currency:   currency,
				Qty:        req.Qty,
				AvgCostEUR: price,
				AvgCostCCY: price,
			}
		default:
			return nil, nil, nil, err
		}

		tx := &ledger.Transaction{
			UserID:       uc.UserID,
			OpID:         null.StringFrom(req.OpID),
			TS:           s.now().UTC(),
			Type:         ledger.TxBuy,
			Symbol:       null.StringFrom(sym),
			AssetClass:   null.StringFrom(pos.AssetClass.String()),
			Qty:          req.Qty,
			PriceEUR:     price,
			AmountEUR:    amount,
			CashDeltaEUR: totalCost.Neg(),
			FeesEUR:      req.FeesEUR,
		}
		data := &TradeResult{
			Op:         "buy",
			Symbol:     sym,
			Qty:        qtyFloat(req.Qty),
			PriceEUR:   cost(price),
			AmountEUR:  money(amount),
			FeesEUR:    money(req.FeesEUR),
			QtyHeld:    qtyFloat(pos.Qty),
			AvgCostEUR: cost(pos.AvgCostEUR),
			CashEUR:    money(newBalance),
		}
		apply := func(ctx context.Context, dbtx *sql.Tx) error {
			if err := s.store.UpsertPosition(ctx, dbtx, pos); err != nil {
				return err
			}
			if err := s.store.SetCash(ctx, dbtx, uc.UserID, newBalance); err != nil {
				return err
			}
			return s.store.AppendTransaction(ctx, dbtx, tx)
		}
		return data, nil, apply, nil
	})
}

// Sell disposes qty at the resolved price, crediting net proceeds. Selling
// the full quantity deletes the position row.
func (s *Service) Sell(ctx context.Context, uc *UserContext, req *TradeRequest) envelope.Envelope {
	return s.runMutation(ctx, uc, req.OpID, "sell", func(ctx context.Context) (any, *envelope.ErrorBody, applyFn, error) {
		if bad := s.validateTrade(req); bad != nil {
			return nil, bad, nil, nil
		}
		sym := symbol.Normalize(req.Symbol)

		pos, err := s.store.Position(ctx, s.store.DB(), uc.UserID, sym)
		if errorsIsNotFound(err) {
			return nil, reject(envelope.CodeNotFound, "position not found: "+sym), nil, nil
		}
		if err != nil {
			return nil, nil, nil, err
		}
		if req.Qty.GreaterThan(pos.Qty) {
			return nil, rejectWithDetails(envelope.CodeInsufficient, "Not enough quantity to sell",
				map[string]any{"held_qty": pos.Qty.String()}), nil, nil
		}

		price, ok := s.resolvePrice(ctx, sym, req.PriceEUR)
		if !ok {
			return nil, reject(envelope.CodeBadInput, "no price available for "+sym), nil, nil
		}
		amount := req.Qty.Mul(price)
		net := amount.Sub(req.FeesEUR)
		if net.IsNegative() {
			return nil, reject(envelope.CodeBadInput, "fees exceed proceeds"), nil, nil
		}

		balance, err := s.store.Cash(ctx, s.store.DB(), uc.UserID)
		if err != nil {
			return nil, nil, nil, err
		}
		newBalance := balance.Add(net)
		remaining := pos.Qty.Sub(req.Qty)

		tx := &ledger.Transaction{
			UserID:       uc.UserID,
			OpID:         null.StringFrom(req.OpID),
			TS:           s.now().UTC(),
			Type:         ledger.TxSell,
			Symbol:       null.StringFrom(sym),
			AssetClass:   null.StringFrom(pos.AssetClass.String()),
			Qty:          req.Qty,
			PriceEUR:     price,
			AmountEUR:    amount,
			CashDeltaEUR: net,
			FeesEUR:      req.FeesEUR,
		}
		data := &TradeResult{
			Op:         "sell",
			Symbol:     sym,
			Qty:        qtyFloat(req.Qty),
			PriceEUR:   cost(price),
			AmountEUR:  money(amount),
			FeesEUR:    money(req.FeesEUR),
			QtyHeld:    qtyFloat(remaining),
			AvgCostEUR: cost(pos.AvgCostEUR),
			CashEUR:    money(newBalance),
		}
		apply := func(ctx context.Context, dbtx *sql.Tx) error {
			if remaining.IsZero() {
				if err := s.store.DeletePosition(ctx, dbtx, uc.UserID, sym); err != nil {
					return err
				}
			} else {
				pos.Qty = remaining
				if err := s.store.UpsertPosition(ctx, dbtx, pos); err != nil {
					return err
				}
			}
			if err := s.store.SetCash(ctx, dbtx, uc.UserID, newBalance); err != nil {
				return err
			}
			return s.store.AppendTransaction(ctx, dbtx, tx)
		}
		return data, nil, apply, nil
	})
}

// AllocationEdit replaces the target class split after checking it sums to
// one hundred with every component in range.
func (s *Service) AllocationEdit(ctx context.Context, uc *UserContext, req *AllocationEditRequest) envelope.Envelope {
	return s.runMutation(ctx, uc, req.OpID, "allocation_edit", func(ctx context.Context) (any, *envelope.ErrorBody, applyFn, error) {
		for _, pct := range []float64{req.StockPct, req.ETFPct, req.CryptoPct} {
			if pct < 0 || pct > 100 {
				return nil, reject(envelope.CodeBadInput, "each allocation must be between 0 and 100"), nil, nil
			}
		}
		if total := req.StockPct + req.ETFPct + req.CryptoPct; math.Abs(total-100) > 1e-9 {
			return nil, rejectWithDetails(envelope.CodeBadInput, "allocations must sum to 100",
				map[string]any{"total": total}), nil, nil
		}

		var previous *ClassSplit
		prior, err := s.store.Allocation(ctx, s.store.DB(), uc.UserID)
		switch {
		case err == nil:
			previous = &ClassSplit{StockPct: prior.StockPct, ETFPct: prior.ETFPct, CryptoPct: prior.CryptoPct}
		case errorsIsNoTarget(err):
		default:
			return nil, nil, nil, err
		}

		target := &ledger.AllocationTarget{
			UserID:    uc.UserID,
			StockPct:  req.StockPct,
			ETFPct:    req.ETFPct,
			CryptoPct: req.CryptoPct,
		}
		data := &AllocationEditResult{
			Op:       "allocation_edit",
			Previous: previous,
			Target:   ClassSplit{StockPct: req.StockPct, ETFPct: req.ETFPct, CryptoPct: req.CryptoPct},
		}
		apply := func(ctx context.Context, dbtx *sql.Tx) error {
			return s.store.SetAllocation(ctx, dbtx, target)
		}
		return data, nil, apply, nil
	})
}

// Rename sets the display name on an existing position.
func (s *Service) Rename(ctx context.Context, uc *UserContext, req *RenameRequest) envelope.Envelope {
	return s.runMutation(ctx, uc, req.OpID, "rename", func(ctx context.Context) (any, *envelope.ErrorBody, applyFn, error) {
		if strings.TrimSpace(req.Symbol) == "" {
			return nil, reject(envelope.CodeBadInput, "symbol is required"), nil, nil
		}
		name := strings.TrimSpace(req.DisplayName)
		if name == "" {
			return nil, reject(envelope.CodeBadInput, "display_name is required"), nil, nil
		}
		sym := symbol.Normalize(req.Symbol)

		pos, err := s.store.Position(ctx, s.store.DB(), uc.UserID, sym)
		if errorsIsNotFound(err) {
			return nil, reject(envelope.CodeNotFound, "position not found: "+sym), nil, nil
		}
		if err != nil {
			return nil, nil, nil, err
		}
		pos.DisplayName = null.StringFrom(name)

		data := &RenameResult{Op: "rename", Symbol: sym, DisplayName: name}
		apply := func(ctx context.Context, dbtx *sql.Tx) error {
			return s.store.UpsertPosition(ctx, dbtx, pos)
		}
		return data, nil, apply, nil
	})
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, ledger.ErrPositionNotFound)
}

func errorsIsNoTarget(err error) bool {
	return errors.Is(err, ledger.ErrNoAllocationTarget)
}
