package portfolio

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h8man13/h8man-finance-sub000/common/webserver"
	"github.com/h8man13/h8man-finance-sub000/envelope"
)

func newTestServer(t *testing.T, svc *Service) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(webserver.NewRouter(serviceName, zerolog.Nop(), svc.Routes()))
	t.Cleanup(srv.Close)
	return srv
}

func httpGet(t *testing.T, srv *httptest.Server, path string) (int, envelope.Envelope) {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func httpPost(t *testing.T, srv *httptest.Server, path, body string) (int, envelope.Envelope) {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestHTTPViewsRequireUserID(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newTestService(t, &stubQuotes{}))

	for _, path := range []string{
		"/portfolio", "/cash", "/tx", "/allocation",
		"/portfolio_snapshot", "/portfolio_summary", "/portfolio_breakdown",
		"/portfolio_digest", "/portfolio_movers",
	} {
		status, env := httpGet(t, srv, path)
		assert.Equal(t, http.StatusBadRequest, status, path)
		require.False(t, env.OK, path)
		assert.Equal(t, envelope.CodeBadInput, env.ErrCode(), path)
	}
}

func TestHTTPMutationStatusCodes(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newTestService(t, &stubQuotes{}))

	// No cash on the books yet.
	status, env := httpPost(t, srv, "/buy?user_id=7&first_name=Ada",
		`{"op_id":"b1","symbol":"AAPL","qty":1,"price_eur":150}`)
	assert.Equal(t, http.StatusConflict, status)
	require.False(t, env.OK)
	assert.Equal(t, envelope.CodeInsufficient, env.ErrCode())
	assert.Equal(t, "0.00", env.Error.Details["current_balance"])

	status, env = httpPost(t, srv, "/sell?user_id=7",
		`{"op_id":"s1","symbol":"MSFT","qty":1,"price_eur":10}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, envelope.CodeNotFound, env.ErrCode())

	status, env = httpPost(t, srv, "/add?user_id=7", `{"op_id":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, envelope.CodeBadInput, env.ErrCode())

	status, env = httpPost(t, srv, "/add?user_id=7&first_name=Ada",
		`{"op_id":"a1","symbol":"aapl","qty":2}`)
	assert.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)
	var res AddResult
	require.NoError(t, env.DecodeData(&res))
	assert.Equal(t, "AAPL.US", res.Symbol)

	// Missing user id on a mutation is a plain bad input.
	status, env = httpPost(t, srv, "/cash_add",
		`{"op_id":"c1","amount_eur":100}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, envelope.CodeBadInput, env.ErrCode())
}

func TestHTTPPortfolioPartialOnDegradedValuation(t *testing.T) {
	t.Parallel()
	stub := &stubQuotes{quotes: map[string]Quote{"AAPL.US": quoteOf("AAPL.US", "100")}}
	srv := newTestServer(t, newTestService(t, stub))

	status, env := httpPost(t, srv, "/add?user_id=7&first_name=Ada",
		`{"op_id":"a1","symbol":"AAPL","qty":1}`)
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)

	status, env = httpGet(t, srv, "/portfolio?user_id=7")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.OK)
	assert.False(t, env.Partial)

	stub.err = assert.AnError
	status, env = httpGet(t, srv, "/portfolio?user_id=7")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.OK)
	assert.True(t, env.Partial)
	require.NotNil(t, env.Error)
	assert.Equal(t, envelope.CodeUpstreamError, env.Error.Code)
	assert.True(t, env.Error.Retriable)

	var view PortfolioView
	require.NoError(t, env.DecodeData(&view))
	require.Len(t, view.Holdings, 1)
	assert.InDelta(t, 100.0, view.TotalValueEUR, 1e-9)
}

func TestHTTPTransactionLimitValidation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newTestService(t, &stubQuotes{}))

	for _, limit := range []string{"0", "51", "abc", "-3"} {
		status, env := httpGet(t, srv, "/tx?user_id=7&limit="+limit)
		assert.Equal(t, http.StatusBadRequest, status, limit)
		assert.Equal(t, envelope.CodeBadInput, env.ErrCode(), limit)
	}

	status, env := httpGet(t, srv, "/tx?user_id=7&limit=5")
	assert.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)
	var list TxList
	require.NoError(t, env.DecodeData(&list))
	assert.Zero(t, list.Count)
}

func TestHTTPSnapshotPeriodValidation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newTestService(t, &stubQuotes{}))

	status, env := httpGet(t, srv, "/portfolio_snapshot?user_id=7&period=q")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, envelope.CodeBadInput, env.ErrCode())

	status, env = httpGet(t, srv, "/portfolio_snapshot?user_id=7&period=w")
	assert.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)
	var report SnapshotReport
	require.NoError(t, env.DecodeData(&report))
	assert.Equal(t, "w", report.Period)
	assert.Len(t, report.Buckets, 7)
}

func TestHTTPWhatIf(t *testing.T) {
	t.Parallel()
	stub := &stubQuotes{quotes: map[string]Quote{"AAPL.US": quoteOf("AAPL.US", "200")}}
	srv := newTestServer(t, newTestService(t, stub))

	status, env := httpPost(t, srv, "/add?user_id=7&first_name=Ada",
		`{"op_id":"a1","symbol":"AAPL","qty":1}`)
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)

	status, env = httpGet(t, srv, "/po_if?user_id=7&delta_pct=abc")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, envelope.CodeBadInput, env.ErrCode())

	status, env = httpGet(t, srv, "/po_if?user_id=7&scope=bonds&delta_pct=10")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, envelope.CodeBadInput, env.ErrCode())

	// Comma decimals are accepted; scope defaults to the whole portfolio.
	status, env = httpGet(t, srv, "/po_if?user_id=7&delta_pct=-12,5")
	assert.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)
	var report WhatIfReport
	require.NoError(t, env.DecodeData(&report))
	assert.Equal(t, "portfolio", report.Scope)
	assert.InDelta(t, -25.0, report.DeltaEUR, 1e-9)
	assert.InDelta(t, 175.0, report.ProjectedValueEUR, 1e-9)
}

func TestHTTPAdminEndpoints(t *testing.T) {
	t.Parallel()
	stub := &stubQuotes{
		quotes: map[string]Quote{"AAPL.US": quoteOf("AAPL.US", "100")},
		metas:  map[string]Meta{"AAPL.US": {Symbol: "AAPL.US", AssetClass: "stock", Market: "US", Currency: "USD"}},
	}
	srv := newTestServer(t, newTestService(t, stub))

	status, env := httpPost(t, srv, "/add?user_id=7&first_name=Ada",
		`{"op_id":"a1","symbol":"AAPL","qty":1}`)
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.OK)

	resp, err := srv.Client().Post(srv.URL+"/admin/snapshots/run", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env = envelope.Envelope{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.True(t, env.OK)
	var run SnapshotRunResult
	require.NoError(t, env.DecodeData(&run))
	assert.Equal(t, 1, run.UsersProcessed)
	assert.Equal(t, 1, run.Written)

	status, env = httpGet(t, srv, "/admin/snapshots/status")
	assert.Equal(t, http.StatusOK, status)
	var stats struct {
		Users     int `json:"users"`
		Snapshots int `json:"snapshots"`
	}
	require.NoError(t, env.DecodeData(&stats))
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, 1, stats.Snapshots)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/admin/snapshots/cleanup?days_to_keep=0", nil)
	require.NoError(t, err)
	resp2, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/admin/snapshots/cleanup?days_to_keep=30", nil)
	require.NoError(t, err)
	resp3, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)
	env = envelope.Envelope{}
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&env))
	var cleanup CleanupResult
	require.NoError(t, env.DecodeData(&cleanup))
	assert.Equal(t, int64(0), cleanup.Removed)
	assert.Equal(t, 30, cleanup.DaysKept)

	status, env = httpGet(t, srv, "/admin/health")
	assert.Equal(t, http.StatusOK, status)
	var health AdminHealth
	require.NoError(t, env.DecodeData(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Database)
	assert.Equal(t, "ok", health.MarketData)
}
