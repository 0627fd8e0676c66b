package httpapi

import (
	"fmt"
	"net/http"
	"runtime"
)

// metricsHandler exposes a minimal Prometheus text-exposition-format
// payload covering process-level gauges. The example corpus's only
// Prometheus client dependency (goadesign-goa-ai's client_golang) is
// pulled in transitively by its tracing stack and never imported
// directly by any handler there, so there is no usage pattern to ground
// a full registry/collector setup on; this hand-rolled exposition writer
// covers the same wire format without it.
func metricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP ash_goroutines Number of goroutines currently running.\n")
		fmt.Fprintf(w, "# TYPE ash_goroutines gauge\n")
		fmt.Fprintf(w, "ash_goroutines %d\n", runtime.NumGoroutine())
	})
}
