package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-hr/odyssey-payroll/internal/observability"
	"github.com/odyssey-hr/odyssey-payroll/internal/shared"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 4, cfg.PayrollComputeConcurrency)
	require.True(t, cfg.StandardDaysPerMonth().Equal(decimal.NewFromInt(22)))
	require.True(t, cfg.HoursPerDay().Equal(decimal.NewFromInt(8)))
	require.Equal(t, "30 2 * * *", cfg.ReconcileCron)
	require.Equal(t, "72h0m0s", cfg.IdempotencyRetention.String())
	require.Equal(t, "127.0.0.1:6379", cfg.RedisOptions().AsynqOpt().Addr)
	require.Equal(t, "Asia/Manila", cfg.DatabaseOptions().TimeZone)
	require.Equal(t, int32(10), cfg.DatabaseOptions().MaxConns)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PAYROLL_COMPUTE_CONCURRENCY", "8")
	t.Setenv("PAYROLL_STANDARD_DAYS_PER_MONTH", "26")
	t.Setenv("PAYROLL_LOCK_TTL", "45m")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, 8, cfg.PayrollComputeConcurrency)
	require.True(t, cfg.StandardDaysPerMonth().Equal(decimal.NewFromInt(26)))
	require.Equal(t, "45m0s", cfg.PayrollLockTTL.String())
}

func TestLoadConfigRejectsInvalidPolicy(t *testing.T) {
	t.Setenv("PAYROLL_HOURS_PER_DAY", "0")
	_, err := LoadConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "PAYROLL_HOURS_PER_DAY")

	t.Setenv("PAYROLL_HOURS_PER_DAY", "8")
	t.Setenv("PAYROLL_COMPUTE_CONCURRENCY", "0")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.Int64("period_id", 9))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["msg"])
	require.EqualValues(t, 9, line["period_id"])
}

func actorEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := shared.ActorFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(actor)
	})
}

func TestActorMiddleware(t *testing.T) {
	h := ActorMiddleware(slog.Default())(actorEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "7")
	req.Header.Set(HeaderCompanyID, "3")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var actor shared.Actor
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&actor))
	require.Equal(t, shared.Actor{UserID: 7, CompanyID: 3}, actor)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "7")
	req.Header.Set(HeaderCompanyID, "abc")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequestLoggerWritesOneLinePerRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "info"}, &buf)
	h := ActorMiddleware(logger)(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/payroll/periods/1/compute", nil)
	req.Header.Set(HeaderUserID, "7")
	req.Header.Set(HeaderCompanyID, "3")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "http request", line["msg"])
	require.EqualValues(t, http.StatusAccepted, line["status"])
	require.EqualValues(t, 3, line["company_id"])

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Zero(t, buf.Len())
}

type pingStub struct{ err error }

func (p pingStub) Ping(context.Context) error { return p.err }

func TestRouterHealthAndMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{
		Logger:   slog.Default(),
		Config:   &Config{},
		Metrics:  metrics,
		Database: pingStub{},
	})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rr.Code, path)
	}
	require.Equal(t, "DENY", func() string {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rr.Header().Get("X-Frame-Options")
	}())
}

func TestRouterReadinessReportsDatabaseFailure(t *testing.T) {
	router := NewRouter(RouterParams{
		Logger:   slog.Default(),
		Config:   &Config{},
		Database: pingStub{err: errors.New("down")},
	})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
