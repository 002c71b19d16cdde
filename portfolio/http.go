package portfolio

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/h8man13/h8man-finance-sub000/buckets"
	"github.com/h8man13/h8man-finance-sub000/common/convert"
	"github.com/h8man13/h8man-finance-sub000/common/webserver"
	"github.com/h8man13/h8man-finance-sub000/envelope"
	"github.com/h8man13/h8man-finance-sub000/portfolio/ledger"
)

// maxBodyBytes bounds mutation request bodies.
const maxBodyBytes = 16 << 10

// Routes returns the service route table.
func (s *Service) Routes() []webserver.Route {
	return []webserver.Route{
		{Name: "Portfolio", Method: http.MethodGet, Pattern: "/portfolio", HandlerFunc: s.handlePortfolio},
		{Name: "Cash", Method: http.MethodGet, Pattern: "/cash", HandlerFunc: s.handleCash},
		{Name: "Transactions", Method: http.MethodGet, Pattern: "/tx", HandlerFunc: s.handleTransactions},
		{Name: "Allocation", Method: http.MethodGet, Pattern: "/allocation", HandlerFunc: s.handleAllocation},

		{Name: "Add", Method: http.MethodPost, Pattern: "/add", HandlerFunc: s.handleAdd},
		{Name: "Remove", Method: http.MethodPost, Pattern: "/remove", HandlerFunc: s.handleRemove},
		{Name: "CashAdd", Method: http.MethodPost, Pattern: "/cash_add", HandlerFunc: s.handleCashAdd},
		{Name: "CashRemove", Method: http.MethodPost, Pattern: "/cash_remove", HandlerFunc: s.handleCashRemove},
		{Name: "Buy", Method: http.MethodPost, Pattern: "/buy", HandlerFunc: s.handleBuy},
		{Name: "Sell", Method: http.MethodPost, Pattern: "/sell", HandlerFunc: s.handleSell},
		{Name: "AllocationEdit", Method: http.MethodPost, Pattern: "/allocation_edit", HandlerFunc: s.handleAllocationEdit},
		{Name: "Rename", Method: http.MethodPost, Pattern: "/rename", HandlerFunc: s.handleRename},

		{Name: "PortfolioSnapshot", Method: http.MethodGet, Pattern: "/portfolio_snapshot", HandlerFunc: s.handleSnapshotReport},
		{Name: "PortfolioSummary", Method: http.MethodGet, Pattern: "/portfolio_summary", HandlerFunc: s.handleSummary},
		{Name: "PortfolioBreakdown", Method: http.MethodGet, Pattern: "/portfolio_breakdown", HandlerFunc: s.handleBreakdown},
		{Name: "PortfolioDigest", Method: http.MethodGet, Pattern: "/portfolio_digest", HandlerFunc: s.handleDigest},
		{Name: "PortfolioMovers", Method: http.MethodGet, Pattern: "/portfolio_movers", HandlerFunc: s.handleMovers},
		{Name: "WhatIf", Method: http.MethodGet, Pattern: "/po_if", HandlerFunc: s.handleWhatIf},

		{Name: "AdminSnapshotsRun", Method: http.MethodPost, Pattern: "/admin/snapshots/run", HandlerFunc: s.handleSnapshotsRun},
		{Name: "AdminSnapshotsStatus", Method: http.MethodGet, Pattern: "/admin/snapshots/status", HandlerFunc: s.handleSnapshotsStatus},
		{Name: "AdminSnapshotsCleanup", Method: http.MethodDelete, Pattern: "/admin/snapshots/cleanup", HandlerFunc: s.handleSnapshotsCleanup},
		{Name: "AdminHealth", Method: http.MethodGet, Pattern: "/admin/health", HandlerFunc: s.handleAdminHealth},
	}
}

// parseUserContext reads the chat identity from query parameters.
func parseUserContext(r *http.Request) *UserContext {
	q := r.URL.Query()
	id, _ := strconv.ParseInt(q.Get("user_id"), 10, 64)
	return &UserContext{
		UserID:       id,
		FirstName:    q.Get("first_name"),
		LastName:     q.Get("last_name"),
		Username:     q.Get("username"),
		LanguageCode: q.Get("language_code"),
	}
}

// requireUser rejects calls without a user id and refreshes the user row for
// the ones that carry it.
func (s *Service) requireUser(w http.ResponseWriter, r *http.Request) (*UserContext, bool) {
	uc := parseUserContext(r)
	if uc.UserID == 0 {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "user_id is required", serviceName))
		return nil, false
	}
	if err := s.store.UpsertUser(r.Context(), s.store.DB(), uc.user()); err != nil {
		s.log.Warn().Err(err).Int64("user_id", uc.UserID).Msg("user upsert failed")
	}
	return uc, true
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(out)
}

func (s *Service) writeEnvelope(w http.ResponseWriter, env envelope.Envelope) {
	if err := envelope.Write(w, env); err != nil {
		s.log.Error().Err(err).Msg("response write failed")
	}
}

func (s *Service) internalError(w http.ResponseWriter, err error, msg string) {
	s.log.Error().Err(err).Msg(msg)
	s.writeEnvelope(w, envelope.Err(envelope.CodeInternal, msg, serviceName))
}

// degradedEnvelope marks a view as partial when the valuation fell back to
// cost basis.
func degradedEnvelope(data any, degraded bool, message string) envelope.Envelope {
	if !degraded {
		return envelope.OK(data)
	}
	return envelope.PartialOK(data, &envelope.ErrorBody{
		Code:      envelope.CodeUpstreamError,
		Message:   message,
		Source:    serviceName,
		Retriable: true,
	})
}

// Views.

func (s *Service) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	uc, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	view, degraded, err := s.Portfolio(r.Context(), uc)
	if err != nil {
		s.internalError(w, err, "portfolio view failed")
		return
	}
	s.writeEnvelope(w, degradedEnvelope(view, degraded, "some holdings valued at cost basis"))
}

func (s *Service) handleCash(w http.ResponseWriter, r *http.Request) {
	uc, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	view, err := s.Cash(r.Context(), uc)
	if err != nil {
		s.internalError(w, err, "cash view failed")
		return
	}
	s.writeEnvelope(w, envelope.OK(view))
}

func (s *Service) handleTransactions(w http.ResponseWriter, r *http.Request) {
	uc, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	limit := ledger.DefaultTxLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := convert.IntFromString(raw)
		if err != nil || n < ledger.MinTxLimit || n > ledger.MaxTxLimit {
			s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput,
				"limit must be an integer between 1 and 50", serviceName))
			return
		}
		limit = n
	}
	view, err := s.Transactions(r.Context(), uc, limit)
	if err != nil {
		s.internalError(w, err, "transaction listing failed")
		return
	}
	s.writeEnvelope(w, envelope.OK(view))
}

func (s *Service) handleAllocation(w http.ResponseWriter, r *http.Request) {
	uc, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	view, degraded, err := s.Allocation(r.Context(), uc)
	if err != nil {
		s.internalError(w, err, "allocation view failed")
		return
	}
	s.writeEnvelope(w, degradedEnvelope(view, degraded, "ratios computed from cost basis"))
}

// Mutations.

func (s *Service) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "malformed request body", serviceName))
		return
	}
	s.writeEnvelope(w, s.Add(r.Context(), parseUserContext(r), &req))
}

func (s *Service) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req RemoveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "malformed request body", serviceName))
		return
	}
	s.writeEnvelope(w, s.Remove(r.Context(), parseUserContext(r), &req))
}

func (s *Service) handleCashAdd(w http.ResponseWriter, r *http.Request) {
	var req CashRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "malformed request body", serviceName))
		return
	}
	s.writeEnvelope(w, s.CashAdd(r.Context(), parseUserContext(r), &req))
}

func (s *Service) handleCashRemove(w http.ResponseWriter, r *http.Request) {
	var req CashRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "malformed request body", serviceName))
		return
	}
	s.writeEnvelope(w, s.CashRemove(r.Context(), parseUserContext(r), &req))
}

func (s *Service) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "malformed request body", serviceName))
		return
	}
	s.writeEnvelope(w, s.Buy(r.Context(), parseUserContext(r), &req))
}

func (s *Service) handleSell(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "malformed request body", serviceName))
		return
	}
	s.writeEnvelope(w, s.Sell(r.Context(), parseUserContext(r), &req))
}

func (s *Service) handleAllocationEdit(w http.ResponseWriter, r *http.Request) {
	var req AllocationEditRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "malformed request body", serviceName))
		return
	}
	s.writeEnvelope(w, s.AllocationEdit(r.Context(), parseUserContext(r), &req))
}

func (s *Service) handleRename(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "malformed request body", serviceName))
		return
	}
	s.writeEnvelope(w, s.Rename(r.Context(), parseUserContext(r), &req))
}

// Analytics.

func parsePeriodParam(r *http.Request) (buckets.Period, error) {
	raw := r.URL.Query().Get("period")
	if raw == "" {
		return buckets.Day, nil
	}
	return buckets.ParsePeriod(raw)
}

func (s *Service) handleSnapshotReport(w http.ResponseWriter, r *http.Request) {
	uc, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	period, err := parsePeriodParam(r)
	if err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, err.Error(), serviceName))
		return
	}
	report, err := s.Snapshot(r.Context(), uc, period)
	if err != nil {
		s.internalError(w, err, "snapshot report failed")
		return
	}
	s.writeEnvelope(w, envelope.OK(report))
}

func (s *Service) handleSummary(w http.ResponseWriter, r *http.Request) {
	uc, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	report, degraded, err := s.Summary(r.Context(), uc)
	if err != nil {
		s.internalError(w, err, "summary failed")
		return
	}
	s.writeEnvelope(w, degradedEnvelope(report, degraded, "some holdings valued at cost basis"))
}

func (s *Service) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	uc, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	report, degraded, err := s.Breakdown(r.Context(), uc)
	if err != nil {
		s.internalError(w, err, "breakdown failed")
		return
	}
	s.writeEnvelope(w, degradedEnvelope(report, degraded, "some holdings valued at cost basis"))
}

func (s *Service) handleDigest(w http.ResponseWriter, r *http.Request) {
	uc, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	period, err := parsePeriodParam(r)
	if err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, err.Error(), serviceName))
		return
	}
	report, degraded, err := s.Digest(r.Context(), uc, period)
	if err != nil {
		s.internalError(w, err, "digest failed")
		return
	}
	s.writeEnvelope(w, degradedEnvelope(report, degraded, "market data unavailable for part of the digest"))
}

func (s *Service) handleMovers(w http.ResponseWriter, r *http.Request) {
	uc, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	period, err := parsePeriodParam(r)
	if err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, err.Error(), serviceName))
		return
	}
	report, degraded, err := s.Movers(r.Context(), uc, period)
	if err != nil {
		s.internalError(w, err, "movers failed")
		return
	}
	s.writeEnvelope(w, degradedEnvelope(report, degraded, "benchmarks unavailable"))
}

func (s *Service) handleWhatIf(w http.ResponseWriter, r *http.Request) {
	uc, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	scope := strings.ToLower(strings.TrimSpace(q.Get("scope")))
	if scope == "" {
		scope = "portfolio"
	}
	delta, err := convert.DecimalFromString(q.Get("delta_pct"))
	if err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "delta_pct must be a number", serviceName))
		return
	}
	deltaPct, _ := delta.Float64()

	report, degraded, err := s.WhatIf(r.Context(), uc, scope, deltaPct)
	if err == errBadScope {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, err.Error(), serviceName))
		return
	}
	if err != nil {
		s.internalError(w, err, "projection failed")
		return
	}
	s.writeEnvelope(w, degradedEnvelope(report, degraded, "some holdings valued at cost basis"))
}

// Admin.

func parseOptionalUserID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Service) handleSnapshotsRun(w http.ResponseWriter, r *http.Request) {
	userID, err := parseOptionalUserID(r)
	if err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "user_id must be an integer", serviceName))
		return
	}
	result, err := s.SnapshotsRun(r.Context(), userID)
	if err != nil {
		s.internalError(w, err, "snapshot run failed")
		return
	}
	s.writeEnvelope(w, envelope.OK(result))
}

func (s *Service) handleSnapshotsStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := parseOptionalUserID(r)
	if err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "user_id must be an integer", serviceName))
		return
	}
	stats, err := s.SnapshotsStatus(r.Context(), userID)
	if err != nil {
		s.internalError(w, err, "snapshot status failed")
		return
	}
	s.writeEnvelope(w, envelope.OK(stats))
}

func (s *Service) handleSnapshotsCleanup(w http.ResponseWriter, r *http.Request) {
	userID, err := parseOptionalUserID(r)
	if err != nil {
		s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "user_id must be an integer", serviceName))
		return
	}
	days := 0
	if raw := r.URL.Query().Get("days_to_keep"); raw != "" {
		days, err = convert.IntFromString(raw)
		if err != nil || days < 1 {
			s.writeEnvelope(w, envelope.Err(envelope.CodeBadInput, "days_to_keep must be a positive integer", serviceName))
			return
		}
	}
	result, err := s.SnapshotsCleanup(r.Context(), userID, days)
	if err != nil {
		s.internalError(w, err, "snapshot cleanup failed")
		return
	}
	s.writeEnvelope(w, envelope.OK(result))
}

func (s *Service) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, envelope.OK(s.Health(r.Context())))
}
