package httpx

import (
	"context"
	"net/http"
)

type authContextKey string

const contextKeyAuth authContextKey = "gateway-auth-info"

type authInfo struct {
	ClientID string
	APIKey   string
}

// authInfoFromContext extracts auth metadata attached by authenticate.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

// authenticate is the first filter in the chain. It recognizes an opaque
// X-API-Key credential; it does not issue or verify signed tokens. Paths in
// the configured skip list bypass the check entirely.
func (r *Router) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.skipAuth(req.URL.Path) {
			next(w, req)
			return
		}
		key := req.Header.Get(r.apiKeyHeader)
		if len(key) < r.apiKeyMinLength {
			r.logger.Warn("authentication failed", "path", req.URL.Path, "reason", "missing or short api key")
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		info := authInfo{ClientID: key[:r.apiKeyMinLength], APIKey: key}
		// Mutate req in place so the attached auth info is visible to the
		// telemetry capture filter wrapping this one, which holds the same
		// *http.Request rather than a derived copy.
		*req = *req.WithContext(context.WithValue(req.Context(), contextKeyAuth, info))
		next(w, req)
	}
}

func (r *Router) skipAuth(path string) bool {
	for _, skip := range r.skipAuthPaths {
		if path == skip {
			return true
		}
	}
	return false
}
