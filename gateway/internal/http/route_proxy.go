package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RouteEntry is one statically configured route: requests whose path starts
// with Prefix are forwarded to Backend with StripSegments leading path
// segments removed from the forwarded path.
type RouteEntry struct {
	RouteID         string
	Prefix          string
	StripSegments   int
	Backend         *url.URL
	UpstreamService string
}

// RouteTable matches incoming paths to a RouteEntry by longest-prefix.
type RouteTable struct {
	routes []RouteEntry
}

func NewRouteTable(routes []RouteEntry) *RouteTable {
	return &RouteTable{routes: routes}
}

// Match returns the longest-prefix route whose Prefix is a prefix of path,
// or ok=false when no configured route matches.
func (t *RouteTable) Match(path string) (RouteEntry, bool) {
	var best RouteEntry
	bestLen := -1
	for _, rt := range t.routes {
		if strings.HasPrefix(path, rt.Prefix) && len(rt.Prefix) > bestLen {
			best = rt
			bestLen = len(rt.Prefix)
		}
	}
	return best, bestLen >= 0
}

// stripSegments removes n leading "/"-delimited segments from path.
func stripSegments(path string, n int) string {
	for i := 0; i < n; i++ {
		trimmed := strings.TrimPrefix(path, "/")
		idx := strings.IndexByte(trimmed, '/')
		if idx < 0 {
			return "/"
		}
		path = trimmed[idx:]
	}
	if path == "" {
		path = "/"
	}
	return path
}

type routeContextKey string

const contextKeyRoute routeContextKey = "gateway-route-info"

type routeInfo struct {
	RouteID         string
	UpstreamService string
	StatusCode      int
	ErrorType       string
}

func routeInfoFromContext(ctx context.Context) (*routeInfo, bool) {
	v, ok := ctx.Value(contextKeyRoute).(*routeInfo)
	return v, ok
}

// route is the third filter: it matches, strips, and forwards the request to
// the backend over a plain http.Client (the gateway never blocks the
// goroutine that answers the client beyond this one outbound call).
func (r *Router) route(w http.ResponseWriter, req *http.Request) {
	// An earlier filter (rate-limit) may have already written a response
	// (e.g. 429) while still calling next so telemetry capture fires.
	// Routing to the upstream at that point would double-write the
	// response; skip the proxy call and let the already-committed status
	// stand.
	if sr, ok := w.(*statusRecorder); ok && sr.status != 0 {
		return
	}

	entry, ok := r.routes.Match(req.URL.Path)
	if !ok {
		info := &routeInfo{ErrorType: "route_not_found"}
		*req = *req.WithContext(context.WithValue(req.Context(), contextKeyRoute, info))
		writeError(w, http.StatusNotFound, "no route configured for path")
		info.StatusCode = http.StatusNotFound
		return
	}

	info := &routeInfo{RouteID: entry.RouteID, UpstreamService: entry.UpstreamService}
	*req = *req.WithContext(context.WithValue(req.Context(), contextKeyRoute, info))

	forwardPath := stripSegments(req.URL.Path, entry.StripSegments)
	target := *entry.Backend
	target.Path = forwardPath
	target.RawQuery = req.URL.RawQuery

	ctx, cancel := context.WithTimeout(req.Context(), r.upstreamTimeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		info.ErrorType = "build_request_failed"
		info.StatusCode = http.StatusInternalServerError
		writeError(w, http.StatusInternalServerError, "failed to build upstream request")
		return
	}
	outReq.Header = req.Header.Clone()
	outReq.Header.Set("X-Forwarded-Path", req.URL.Path)

	resp, err := r.upstreamClient.Do(outReq)
	if err != nil {
		info.ErrorType = "upstream_unreachable"
		info.StatusCode = http.StatusBadGateway
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream error: %v", err))
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	info.StatusCode = resp.StatusCode
	if resp.StatusCode >= http.StatusInternalServerError {
		info.ErrorType = "upstream_5xx"
	}
	_, _ = io.Copy(w, resp.Body)
}

// newUpstreamClient returns the http.Client the route filter uses to call
// backends; it is shared across requests and safe for concurrent use.
func newUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
