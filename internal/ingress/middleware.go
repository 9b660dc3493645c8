package ingress

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/harunnryd/toolbridge/internal/logger"

	"github.com/oklog/ulid/v2"
)

const RequestIDHeader = "X-Request-ID"

// Paths hit by load balancers every few seconds; not worth a log line.
var quietPaths = map[string]bool{"/healthcheck": true}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger tags each request with a ULID, echoes it in X-Request-ID and
// logs the outcome once the handler returns.
func RequestLogger(log *slog.Logger, next http.Handler) http.Handler {
	log = logger.Or(log)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ulid.Make().String()
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(logger.WithTraceID(r.Context(), id)))

		if quietPaths[r.URL.Path] {
			return
		}

		attrs := []any{
			"path", r.URL.Path,
			"method", r.Method,
			"client_host", clientHost(r),
			"request_id", id,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case rec.status >= 500:
			log.Error("Request failed", attrs...)
		case rec.status >= 400:
			log.Warn("Request rejected", attrs...)
		default:
			log.Info("Request completed", attrs...)
		}
	})
}

// CORS allows any origin, method and header. Preflight requests stop here.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			} else {
				h.Set("Access-Control-Allow-Headers", "*")
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
