package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/orchestrator"
	"credit-orchestrator/internal/ratelimit"
	"credit-orchestrator/internal/telemetry"
)

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the server. Limiter may be nil to disable rate limiting.
type Options struct {
	Limiter   *ratelimit.TokenBucket
	Health    map[string]Pinger
	KeepAlive time.Duration
}

// Server wires HTTP handlers onto the orchestrator service.
type Server struct {
	svc       *orchestrator.Service
	limiter   *ratelimit.TokenBucket
	health    map[string]Pinger
	keepAlive time.Duration
	log       zerolog.Logger
}

// New constructs the API server.
func New(svc *orchestrator.Service, opts Options, log zerolog.Logger) *Server {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	return &Server{
		svc:       svc,
		limiter:   opts.Limiter,
		health:    opts.Health,
		keepAlive: opts.KeepAlive,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/history", s.handleHistory)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/refund", s.handleRefund)
	})
	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", s.handleCreateAccount)
		r.Get("/{id}", s.handleGetAccount)
		r.Post("/{id}/adjust", s.handleAdjust)
		r.Get("/{id}/entries", s.handleEntries)
		r.Get("/{id}/jobs", s.handleListJobs)
		r.Get("/{id}/events", s.handleEvents)
	})
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := make(map[string]string, len(s.health))
	code := http.StatusOK
	for name, p := range s.health {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	status := "ok"
	if code != http.StatusOK {
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if v := r.Header.Get("X-Account-ID"); v != "" {
		req.AccountID = v
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account id is required")
		return
	}
	if req.SubmissionKey == "" {
		req.SubmissionKey = r.Header.Get("Idempotency-Key")
	}
	if !s.allow(w, r, req.AccountID) {
		return
	}

	sub, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusAccepted
	if sub.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, sub)
}

// allow applies the per-account token bucket. A limiter failure lets the
// request through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, accountID string) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), accountID)
	if err != nil {
		s.log.Warn().Err(err).Str("account_id", accountID).Msg("rate limiter unavailable")
		return true
	}
	if d.Allowed {
		return true
	}
	telemetry.RateLimitRejects.Inc()
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "rate limited")
	return false
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.GetJob(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.svc.History(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type amountRequest struct {
	Amount credits.Amount `json:"amount"`
	Reason string         `json:"reason"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.svc.Refund(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createAccountRequest struct {
	ID             string         `json:"id"`
	OpeningBalance credits.Amount `json:"opening_balance"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	acct, err := s.svc.CreateAccount(r.Context(), req.ID, req.OpeningBalance)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

type accountResponse struct {
	models.Account
	Available credits.Amount `json:"available"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.svc.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Account: acct, Available: acct.Available()})
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.svc.Adjust(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Reason, r.Header.Get("Idempotency-Key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.svc.Entries(r.Context(), models.EntryFilter{
		AccountID: chi.URLParam(r, "id"),
		JobID:     r.URL.Query().Get("job_id"),
		Limit:     limit,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	active := r.URL.Query().Get("active") == "true"
	jobs, err := s.svc.ListJobs(r.Context(), chi.URLParam(r, "id"), active, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

// handleEvents streams job events as server-sent events. The subscription
// is taken before the snapshot so nothing between the two is missed;
// clients may see a state twice.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	accountID := chi.URLParam(r, "id")
	if _, err := s.svc.Account(r.Context(), accountID); err != nil {
		s.fail(w, r, err)
		return
	}
	events, unsubscribe, err := s.svc.Subscribe(accountID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer unsubscribe()

	snapshot, err := s.svc.ListJobs(r.Context(), accountID, true, 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, "snapshot", snapshot); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, "job", ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	count, err := queryInt(r, "count", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := s.svc.DeadLetters(r.Context(), int64(count))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrResourceBusy),
		errors.Is(err, models.ErrJobTerminal),
		errors.Is(err, models.ErrNotCancellable),
		errors.Is(err, models.ErrAlreadyRefunded),
		errors.Is(err, models.ErrAccountExists),
		errors.Is(err, models.ErrStatusMismatch),
		errors.Is(err, models.ErrReservationClosed):
		return http.StatusConflict
	case errors.Is(err, models.ErrRefundExceedsCharge),
		errors.Is(err, models.ErrNotCharged):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
