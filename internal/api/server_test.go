package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-orchestrator/internal/config"
	"credit-orchestrator/internal/credits"
	"credit-orchestrator/internal/ledger"
	"credit-orchestrator/internal/models"
	"credit-orchestrator/internal/notify"
	"credit-orchestrator/internal/orchestrator"
	"credit-orchestrator/internal/queue"
	"credit-orchestrator/internal/ratelimit"
	"credit-orchestrator/internal/store/memstore"
)

type capSet map[string]bool

func (c capSet) HasCapability(name string) bool { return c[name] }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type harness struct {
	handler http.Handler
	hub     *notify.Hub
	client  *redis.Client
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := memstore.New()
	hub := notify.NewHub(8)
	svc := orchestrator.New(orchestrator.Options{MaxAttempts: 3}, orchestrator.Deps{
		Jobs:         st,
		Ledger:       ledger.New(st, zerolog.Nop(), ledger.Options{ConflictRetries: 3}),
		Capabilities: capSet{"transcribe": true},
		Queue:        queue.NewRedisQueue(client, config.Config{PriorityQueues: []string{"critical", "high", "default", "low"}, LeaseTTL: time.Second}),
		Publisher:    notify.New(zerolog.Nop(), 16, hub),
		Cancels:      queue.NewRedisCancelBus(client),
		Subscriber:   hub,
	}, zerolog.Nop())
	_, err = svc.CreateAccount(context.Background(), "acct", credits.FromUnits(10))
	require.NoError(t, err)

	return &harness{handler: New(svc, opts, zerolog.Nop()).Router(), hub: hub, client: client}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func transcribe(resource string) map[string]any {
	return map[string]any{"capability": "transcribe", "resource_ref": resource, "content_ref": "s3://media/a.wav"}
}

var acctHeader = map[string]string{"X-Account-ID": "acct"}

func TestSubmitAndDuplicate(t *testing.T) {
	h := newHarness(t, Options{})
	headers := map[string]string{"X-Account-ID": "acct", "Idempotency-Key": "k1"}

	rec := h.do(t, http.MethodPost, "/jobs", transcribe("doc-1"), headers)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := decode[models.Submission](t, rec)
	assert.Equal(t, models.StatusPending, first.Status)
	assert.False(t, first.Duplicate)

	rec = h.do(t, http.MethodPost, "/jobs", transcribe("doc-1"), headers)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[models.Submission](t, rec)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.JobID, again.JobID)

	rec = h.do(t, http.MethodGet, "/jobs/"+first.JobID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[models.JobView](t, rec)
	assert.Equal(t, "acct", view.AccountID)
	assert.Equal(t, "transcribe", view.Capability)

	rec = h.do(t, http.MethodGet, "/jobs/"+first.JobID+"/history", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "submitted")
}

func TestSubmitErrors(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/jobs", transcribe("doc-1"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bad := transcribe("doc-1")
	bad["capability"] = "paint"
	rec = h.do(t, http.MethodPost, "/jobs", bad, acctHeader)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "invalid input")

	rec = h.do(t, http.MethodPost, "/jobs", transcribe("doc-1"), map[string]string{"X-Account-ID": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{"))
	raw := httptest.NewRecorder()
	h.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = h.do(t, http.MethodGet, "/jobs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelAndRefundErrors(t *testing.T) {
	h := newHarness(t, Options{})
	sub := decode[models.Submission](t, h.do(t, http.MethodPost, "/jobs", transcribe("doc-1"), acctHeader))

	rec := h.do(t, http.MethodPost, "/jobs/"+sub.JobID+"/refund", map[string]any{"amount": "1.00", "reason": "goodwill"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(t, http.MethodPost, "/jobs/"+sub.JobID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusCancelled, decode[models.JobView](t, rec).Status)

	rec = h.do(t, http.MethodPost, "/jobs/"+sub.JobID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAccounts(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, http.MethodPost, "/accounts", map[string]any{"id": "new", "opening_balance": "5.50"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/accounts", map[string]any{"id": "new", "opening_balance": "1"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/accounts", map[string]any{"id": "neg", "opening_balance": "-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	adjust := map[string]string{"Idempotency-Key": "grant-1"}
	rec = h.do(t, http.MethodPost, "/accounts/new/adjust", map[string]any{"amount": "4.50", "reason": "promo"}, adjust)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = h.do(t, http.MethodPost, "/accounts/new/adjust", map[string]any{"amount": "4.50", "reason": "promo"}, adjust)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[models.EntryResult](t, rec).Replayed)

	rec = h.do(t, http.MethodPost, "/accounts/new/adjust", map[string]any{"amount": "-100", "reason": "oops"}, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = h.do(t, http.MethodGet, "/accounts/new", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "10.00", body["balance"])
	assert.Equal(t, "10.00", body["available"])

	rec = h.do(t, http.MethodGet, "/accounts/new/entries?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[struct {
		Items []models.LedgerEntry `json:"items"`
	}](t, rec)
	assert.Len(t, entries.Items, 2)

	rec = h.do(t, http.MethodGet, "/accounts/new/entries?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/accounts/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsAndDLQ(t *testing.T) {
	h := newHarness(t, Options{})
	h.do(t, http.MethodPost, "/jobs", transcribe("doc-1"), acctHeader)
	h.do(t, http.MethodPost, "/jobs", transcribe("doc-2"), acctHeader)

	rec := h.do(t, http.MethodGet, "/accounts/acct/jobs?active=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decode[struct {
		Items []models.JobView `json:"items"`
	}](t, rec)
	assert.Len(t, jobs.Items, 2)

	rec = h.do(t, http.MethodGet, "/dlq", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dlq := decode[struct {
		Items []string `json:"items"`
	}](t, rec)
	assert.Empty(t, dlq.Items)
}

func TestRateLimit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness(t, Options{Limiter: ratelimit.NewTokenBucket(client, 1, 0.01, time.Minute)})

	rec := h.do(t, http.MethodPost, "/jobs", transcribe("doc-1"), acctHeader)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do(t, http.MethodPost, "/jobs", transcribe("doc-2"), acctHeader)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, Options{Health: map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return nil }),
	}})
	rec := h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h = newHarness(t, Options{Health: map[string]Pinger{
		"redis": pingFunc(func(context.Context) error { return errors.New("down") }),
	}})
	rec = h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "down")
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, Options{KeepAlive: time.Hour})
	sub := decode[models.Submission](t, h.do(t, http.MethodPost, "/jobs", transcribe("doc-1"), acctHeader))

	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/accounts/acct/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() (string, string) {
		var name, data string
		for lines.Scan() {
			line := lines.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
		return "", ""
	}

	name, data := next()
	require.Equal(t, "snapshot", name)
	assert.Contains(t, data, sub.JobID)

	ev := models.JobEvent{JobID: sub.JobID, AccountID: "acct", Status: models.StatusRunning, Attempt: 1}
	require.NoError(t, h.hub.Deliver(ctx, "acct", ev))

	name, data = next()
	require.Equal(t, "job", name)
	var got models.JobEvent
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, sub.JobID, got.JobID)
}
