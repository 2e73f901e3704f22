package httpx

import (
	"net/http"
	"strings"

	"github.com/labforge/labmesh/internal/shared/requestid"
)

const requestIDHeader = "X-Request-Id"

// RequestID echoes the caller's id or mints one, and plants it in the
// request context for logs and error bodies.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" {
			rid = requestid.New()
		}

		w.Header().Set(requestIDHeader, rid)

		ctx := requestid.With(r.Context(), rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
