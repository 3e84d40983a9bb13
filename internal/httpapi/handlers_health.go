package httpapi

import "net/http"

// HealthzHandler reports liveness. It never inspects backend health —
// that is the Backend Registry's job, surfaced via /admin/v1/backends —
// this just confirms the process itself is serving.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}
