package proxy

import (
	"net/http"
	"strings"

	"flm/internal/security"
)

// applyCors sets response CORS headers per policy and answers
// preflights. Returns true when the request was fully handled (an
// OPTIONS preflight). The origin is echoed only when listed; the
// credentials flag is never combined with a wildcard origin.
func applyCors(w http.ResponseWriter, r *http.Request, cors security.CorsSettings) bool {
	origin := r.Header.Get("Origin")
	if origin != "" {
		allowed, wildcard := originAllowed(origin, cors.AllowedOrigins)
		if allowed {
			if wildcard {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}
	}

	if r.Method != http.MethodOptions {
		return false
	}

	if len(cors.AllowedMethods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(cors.AllowedMethods, ", "))
	}
	if len(cors.AllowedHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(cors.AllowedHeaders, ", "))
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

func originAllowed(origin string, allowed []string) (ok, wildcard bool) {
	for _, entry := range allowed {
		if entry == "*" {
			return true, true
		}
		if strings.EqualFold(entry, origin) {
			return true, false
		}
	}
	return false, false
}
