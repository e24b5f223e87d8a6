package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/metrics"
)

// RequestLog records latency per route pattern and logs slow requests.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)
		defer func() {
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			metrics.HTTPDuration.WithLabelValues(r.Method, route, strconv.Itoa(rw.status/100)+"xx").
				Observe(time.Since(start).Seconds())
			logger.LogDuration("http "+r.Method+" "+route, start)
		}()
		next.ServeHTTP(rw, r)
	})
}
