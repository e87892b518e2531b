package observability

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware wraps a handler with a server span and the RED instruments,
// keyed by method and path.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		}

		ctx, finish := p.TrackOperation(r.Context(), "http "+r.Method+" "+r.URL.Path, attrs...)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(ctx))

		var opErr error
		if rec.status >= 500 {
			opErr = fmt.Errorf("http status %d", rec.status)
		}
		SpanFromContext(ctx).SetAttributes(attribute.Int("http.response.status_code", rec.status))
		finish(opErr)
	})
}
