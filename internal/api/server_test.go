package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/roundcrawler/internal/clock/fake"
	"github.com/JakeFAU/roundcrawler/internal/proxy"
	"github.com/JakeFAU/roundcrawler/internal/storage/memory"
	"github.com/JakeFAU/roundcrawler/internal/store"
)

var testNow = time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type stubLease struct{ lease proxy.Lease }

func (s stubLease) Snapshot() proxy.Lease { return s.lease }

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()
	st := memory.NewStore(memory.Options{Clock: fake.New(testNow)})
	ctx := context.Background()
	require.NoError(t, st.Initialize(ctx, "https://x/a", "A"))
	require.NoError(t, st.Initialize(ctx, "https://x/b", "B"))
	require.NoError(t, st.Initialize(ctx, "https://x/c", "C"))
	require.NoError(t, st.UpdateStatus(ctx, "https://x/a", store.StatusCompleted, nil))
	msg := "captcha"
	require.NoError(t, st.UpdateStatus(ctx, "https://x/b", store.StatusException, &msg))
	_, err := st.RecordCurrentFailures(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Append(ctx, store.LedgerUnfinished))

	srv := NewServer(Deps{
		Accounts:     st,
		Compensation: st,
		Ledger:       st,
		Store:        st,
		Proxy:        stubLease{lease: proxy.Lease{Upstream: "http://10.0.0.1:8080", Enabled: true, Valid: true}},
	}, zap.NewNop())
	return srv, st
}

func get(t *testing.T, srv *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(into))
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = get(t, srv, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)

	down := NewServer(Deps{Store: stubPinger{err: errors.New("connection refused")}}, nil)
	rec = get(t, down, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	_ = get(t, srv, "/healthz")
	rec := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestAccountSummary(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := get(t, srv, "/v1/accounts/summary")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Summary map[string]int64 `json:"summary"`
	}
	decode(t, rec, &body)
	assert.EqualValues(t, 3, body.Summary[store.SummaryTotalKey])
	assert.EqualValues(t, 1, body.Summary[string(store.StatusCompleted)])
	assert.EqualValues(t, 1, body.Summary[string(store.StatusException)])
	assert.EqualValues(t, 1, body.Summary[string(store.StatusPending)])
}

func TestListAccountsByStatus(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := get(t, srv, "/v1/accounts?status=exception")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Accounts []store.AccountStatus `json:"accounts"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Accounts, 1)
	assert.Equal(t, "https://x/b", body.Accounts[0].AccountID)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/accounts").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/accounts?status=sleeping").Code)
}

func TestLookupAccount(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := get(t, srv, "/v1/accounts/lookup?id="+"https%3A%2F%2Fx%2Fa")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Account store.AccountStatus `json:"account"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "A", body.Account.AccountName)
	assert.Equal(t, store.StatusCompleted, body.Account.Status)

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/v1/accounts/lookup?id=nope").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/accounts/lookup").Code)
}

func TestListFailedAccounts(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := get(t, srv, "/v1/accounts/failed")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Accounts []store.AccountStatus `json:"accounts"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Accounts, 1)
	assert.Equal(t, "https://x/b", body.Accounts[0].AccountID)
}

func TestCompensationRoutes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := get(t, srv, "/v1/compensation/pending?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending struct {
		Accounts []store.Target `json:"accounts"`
	}
	decode(t, rec, &pending)
	assert.Equal(t, []store.Target{{AccountID: "https://x/b", AccountName: "B"}}, pending.Accounts)

	rec = get(t, srv, "/v1/compensation/history?id=https://x/b")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Records []store.CompensationRecord `json:"records"`
	}
	decode(t, rec, &hist)
	require.Len(t, hist.Records, 1)
	assert.Equal(t, store.CompensationPending, hist.Records[0].Status)
	assert.Equal(t, "captcha", *hist.Records[0].FailureReason)

	rec = get(t, srv, "/v1/compensation/history?id=https://x/a")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"records":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/compensation/pending?limit=-1").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/compensation/history").Code)
}

func TestLedgerRoute(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := get(t, srv, "/v1/ledger?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []store.LedgerEntry `json:"entries"`
	}
	decode(t, rec, &body)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, store.LedgerUnfinished, body.Entries[0].Status)

	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/v1/ledger?limit=abc").Code)
}

func TestProxyRoute(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := get(t, srv, "/v1/proxy")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"upstream_proxy":"http://10.0.0.1:8080"`))

	bare := NewServer(Deps{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, bare, "/v1/proxy").Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestParseLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{query: "", want: 50},
		{query: "limit=10", want: 10},
		{query: "limit=9999", want: 500},
		{query: "limit=0", wantErr: true},
		{query: "limit=x", wantErr: true},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil)
		got, err := parseLimit(r, 50, 500)
		if tc.wantErr {
			assert.Error(t, err, tc.query)
			continue
		}
		require.NoError(t, err, tc.query)
		assert.Equal(t, tc.want, got, tc.query)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
