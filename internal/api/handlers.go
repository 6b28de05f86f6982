package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/roundcrawler/internal/store"
)

const (
	defaultPendingLimit = 100
	maxPendingLimit     = 1000
	defaultLedgerLimit  = 50
	maxLedgerLimit      = 500
)

// accountSummary handles GET /v1/accounts/summary and returns a status to
// count map that always carries every status plus TOTAL.
func (s *Server) accountSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	summary, err := s.deps.Accounts.Summary(ctx)
	if err != nil {
		s.logger.Error("account summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to summarize accounts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

// listAccounts handles GET /v1/accounts?status=. The status filter is required.
func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("status"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	status, err := store.ParseStatus(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	accounts, err := s.deps.Accounts.ListByStatus(ctx, status)
	if err != nil {
		s.logger.Error("list accounts failed", zap.String("status", string(status)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": nonNil(accounts)})
}

// lookupAccount handles GET /v1/accounts/lookup?id=. Account ids are URLs,
// so they travel as a query parameter rather than a path segment.
func (s *Server) lookupAccount(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	acct, err := s.deps.Accounts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		s.logger.Error("get account failed", zap.String("account_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acct})
}

func (s *Server) listFailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	accounts, err := s.deps.Accounts.ListFailed(ctx)
	if err != nil {
		s.logger.Error("list failed accounts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list failed accounts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": nonNil(accounts)})
}

func (s *Server) pendingCompensation(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultPendingLimit, maxPendingLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	pending, err := s.deps.Compensation.PendingAccounts(ctx, limit)
	if err != nil {
		s.logger.Error("list pending compensation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pending compensation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": nonNil(pending)})
}

func (s *Server) compensationHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	records, err := s.deps.Compensation.History(ctx, id)
	if err != nil {
		s.logger.Error("compensation history failed", zap.String("account_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load compensation history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": nonNil(records)})
}

func (s *Server) recentLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultLedgerLimit, maxLedgerLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	entries, err := s.deps.Ledger.Recent(ctx, limit)
	if err != nil {
		s.logger.Error("list ledger failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

func (s *Server) proxyLease(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Proxy == nil {
		writeError(w, http.StatusServiceUnavailable, "proxy lease manager not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lease": s.deps.Proxy.Snapshot()})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
