package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

// OriginAllowed reports whether origin matches the allow list. "*" allows
// everything, and requests without an Origin header (non-browser clients) are
// always allowed.
func OriginAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}

// CORS answers preflight requests and sets the allow headers for origins in
// the allow list. The websocket upgrader checks the same list.
func CORS(allowed []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return OriginAllowed(allowed, origin)
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})
}
