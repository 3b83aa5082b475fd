package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/magehq/backend/internal/faults"
	"github.com/magehq/backend/internal/tenant"
)

// Tenant validates the tenant headers on every request it wraps and parks
// the resulting context on the request. Handlers behind it can assume a
// valid tenant is always present.
func Tenant(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := tenant.FromHeaders(r.Header)
		if err != nil {
			logger.Warn("rejected request without valid tenant",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
			writeFault(w, http.StatusBadRequest, err)
			return
		}

		w.Header().Set(tenant.HeaderRequestID, tc.RequestID)
		next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), tc)))
	})
}

// writeFault renders a fault as the standard error envelope.
func writeFault(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   faults.CodeOf(err),
		"message": err.Error(),
	})
}
