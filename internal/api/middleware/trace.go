package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/stagehand/internal/api/shared"
)

// TraceMiddleware stamps each request with a trace ID so a submission can be
// correlated with the scheduler log lines it later produces. It runs ahead of
// auth and the task handlers, which read the ID back from the context.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.SetTraceID(r.Context())
		traceID := shared.GetTraceID(ctx)

		log := slog.With(slog.String("trace_id", traceID))
		log.Debug("request started",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
