package handlers

import (
	"context"
	"net/http"
	"time"
)

// Check verifies one dependency.
type Check func(ctx context.Context) error

// Health responds with 200 when every check passes and 503 otherwise.
// With no checks it only reports liveness.
func Health(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		if status != http.StatusOK {
			payload["status"] = "degraded"
		}
		if len(results) > 0 {
			payload["checks"] = results
		}
		writeJSON(w, status, payload)
	}
}
