package portfolio

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/h8man13/h8man-finance-sub000/asset"
	finmath "github.com/h8man13/h8man-finance-sub000/common/math"
	"github.com/h8man13/h8man-finance-sub000/portfolio/ledger"
)

// valuation is the priced state of one user: every holding valued at the
// latest EUR quote, avg cost standing in where the quote is unavailable.
type valuation struct {
	holdings []Holding
	byClass  map[asset.Class]decimal.Decimal
	value    decimal.Decimal // non-cash
	cash     decimal.Decimal
	total    decimal.Decimal
	fallback bool // any holding valued at cost basis
}

// valueUser prices every position for the user. Market-data failures degrade
// to cost-basis values and set the fallback flag instead of erroring.
func (s *Service) valueUser(ctx context.Context, userID int64) (*valuation, error) {
	positions, err := s.store.Positions(ctx, s.store.DB(), userID)
	if err != nil {
		return nil, err
	}
	cash, err := s.store.Cash(ctx, s.store.DB(), userID)
	if err != nil {
		return nil, err
	}

	quotes := map[string]Quote{}
	if s.quotes != nil && len(positions) > 0 {
		symbols := make([]string, 0, len(positions))
		for i := range positions {
			symbols = append(symbols, positions[i].Symbol)
		}
		if fetched, err := s.quotes.Quotes(ctx, symbols); err != nil {
			s.log.Warn().Err(err).Int64("user_id", userID).Msg("valuation quotes unavailable")
		} else {
			quotes = fetched
		}
	}

	v := &valuation{
		holdings: make([]Holding, 0, len(positions)),
		byClass:  make(map[asset.Class]decimal.Decimal, 3),
		value:    decimal.Zero,
		cash:     cash,
	}
	for i := range positions {
		pos := &positions[i]
		price := pos.AvgCostEUR
		freshness := ""
		if q, ok := quotes[pos.Symbol]; ok && q.PriceEUR.IsPositive() {
			price = q.PriceEUR
			freshness = q.Freshness
		} else {
			v.fallback = true
		}
		value := pos.Qty.Mul(price).Round(2)
		v.value = v.value.Add(value)
		v.byClass[pos.AssetClass] = v.byClass[pos.AssetClass].Add(value)

		v.holdings = append(v.holdings, Holding{
			Symbol:      pos.Symbol,
			DisplayName: pos.DisplayName.String,
			AssetClass:  pos.AssetClass.String(),
			Market:      pos.Market,
			Currency:    pos.Currency,
			Qty:         qtyFloat(pos.Qty),
			AvgCostEUR:  cost(pos.AvgCostEUR),
			PriceEUR:    cost(price),
			ValueEUR:    money(value),
			Freshness:   freshness,
		})
	}
	v.total = v.value.Add(cash)
	return v, nil
}

// Portfolio returns the full valued snapshot. The boolean reports whether
// any holding fell back to cost basis.
func (s *Service) Portfolio(ctx context.Context, uc *UserContext) (*PortfolioView, bool, error) {
	v, err := s.valueUser(ctx, uc.UserID)
	if err != nil {
		return nil, false, err
	}
	return &PortfolioView{
		TotalValueEUR: money(v.total),
		CashEUR:       money(v.cash),
		Holdings:      v.holdings,
	}, v.fallback, nil
}

// Cash returns the standalone balance view.
func (s *Service) Cash(ctx context.Context, uc *UserContext) (*CashView, error) {
	balance, err := s.store.Cash(ctx, s.store.DB(), uc.UserID)
	if err != nil {
		return nil, err
	}
	return &CashView{CashEUR: money(balance)}, nil
}

// Transactions lists the most recent ledger rows.
func (s *Service) Transactions(ctx context.Context, uc *UserContext, limit int) (*TxList, error) {
	rows, err := s.store.RecentTransactions(ctx, s.store.DB(), uc.UserID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]TxView, 0, len(rows))
	for i := range rows {
		views = append(views, txView(&rows[i]))
	}
	return &TxList{Transactions: views, Count: len(views)}, nil
}

func txView(t *ledger.Transaction) TxView {
	return TxView{
		ID:           t.ID,
		TS:           t.TS.UTC().Format("2006-01-02T15:04:05Z"),
		Type:         string(t.Type),
		Symbol:       t.Symbol.String,
		Qty:          qtyFloat(t.Qty),
		PriceEUR:     cost(t.PriceEUR),
		AmountEUR:    money(t.AmountEUR),
		CashDeltaEUR: money(t.CashDeltaEUR),
		FeesEUR:      money(t.FeesEUR),
		Note:         t.Note.String,
	}
}

// Allocation returns the live class ratios over non-cash value next to the
// stored target, nil target when the user never set one.
func (s *Service) Allocation(ctx context.Context, uc *UserContext) (*AllocationView, bool, error) {
	v, err := s.valueUser(ctx, uc.UserID)
	if err != nil {
		return nil, false, err
	}

	current := ClassSplit{}
	if v.value.IsPositive() {
		current.StockPct = classWeight(v.byClass[asset.Stock], v.value)
		current.ETFPct = classWeight(v.byClass[asset.ETF], v.value)
		current.CryptoPct = classWeight(v.byClass[asset.Crypto], v.value)
	}

	var target *ClassSplit
	stored, err := s.store.Allocation(ctx, s.store.DB(), uc.UserID)
	switch {
	case err == nil:
		target = &ClassSplit{StockPct: stored.StockPct, ETFPct: stored.ETFPct, CryptoPct: stored.CryptoPct}
	case errorsIsNoTarget(err):
	default:
		return nil, false, err
	}
	return &AllocationView{Current: current, Target: target}, v.fallback, nil
}

func classWeight(part, whole decimal.Decimal) float64 {
	if !whole.IsPositive() {
		return 0
	}
	weight, _ := part.Div(whole).Mul(decimal.NewFromInt(100)).Float64()
	return finmath.RoundFloat(weight, 4)
}
