package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magehq/backend/internal/tenant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tenantRequest() *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", nil)
	r.Header.Set(tenant.HeaderCompanyID, "acme")
	r.Header.Set(tenant.HeaderAppID, "app1")
	return r
}

func TestTenantMiddlewareInjectsContext(t *testing.T) {
	var got *tenant.Context
	h := Tenant(testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = tenant.FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, tenantRequest())

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "acme", got.CompanyID)
	assert.Equal(t, "app1", got.AppID)
	assert.NotEmpty(t, rec.Header().Get(tenant.HeaderRequestID))
}

func TestTenantMiddlewareRejectsMissingHeaders(t *testing.T) {
	called := false
	h := Tenant(testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/workflows", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, called)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter(3, testLogger())
	defer rl.Close()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("acme:app1"))
	}
	assert.False(t, rl.Allow("acme:app1"))

	// Other tenants have their own windows.
	assert.True(t, rl.Allow("other:app1"))
}

func TestRateLimiterMiddlewareReturns429(t *testing.T) {
	rl := NewRateLimiter(1, testLogger())
	defer rl.Close()

	h := Tenant(testLogger(), rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, tenantRequest())
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, tenantRequest())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRateLimiterMiddlewareWithoutTenant(t *testing.T) {
	rl := NewRateLimiter(10, testLogger())
	defer rl.Close()

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
