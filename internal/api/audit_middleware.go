package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/ledgersync/internal/security"
	"github.com/example/ledgersync/pkg/audit"
)

// AuditMiddleware chains every state-changing operator request into the
// audit log. Reads are left to the request log.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			start := time.Now()
			next.ServeHTTP(ww, r)
			dur := time.Since(start)

			cid := security.CorrelationIDFromContext(r.Context())
			detail := fmt.Sprintf("cid=%s method=%s status=%d dur_ms=%d", cid, r.Method, status(ww), dur.Milliseconds())
			a.Append(audit.KindAPIRequest, r.URL.Path, actorOf(r), detail)
		})
	}
}

func status(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
