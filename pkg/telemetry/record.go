// Package telemetry defines the wire types shared by the gateway and the
// analytics service, and the path normalization rule both sides must apply
// identically to agree on an aggregation key.
package telemetry

import (
	"strings"
	"time"
)

// Record is the only entity crossing the gateway/analytics boundary.
type Record struct {
	RequestID       string    `json:"requestId"`
	Path            string    `json:"path"`
	Method          string    `json:"method"`
	StatusCode      int       `json:"statusCode"`
	LatencyMs       int64     `json:"latencyMs"`
	ClientID        string    `json:"clientId"`
	APIKey          string    `json:"apiKey,omitempty"`
	UpstreamService string    `json:"upstreamService,omitempty"`
	RouteID         string    `json:"routeId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	ErrorType       string    `json:"errorType,omitempty"`
	UserAgent       string    `json:"userAgent,omitempty"`
	IPAddress       string    `json:"ipAddress,omitempty"`
}

// IsError reports whether the record represents an error response.
func (r Record) IsError() bool {
	return r.StatusCode >= 400
}

// Valid reports whether the record carries the minimum fields the ingest
// endpoint requires to accept it: a requestId, a path and a method.
func (r Record) Valid() bool {
	return r.RequestID != "" && r.Path != "" && r.Method != ""
}

// Key is the (path, method) pair every record is bucketed under. It is
// derived with KeyOf, which applies NormalizePath (the same rule the gateway
// applies to Record.Path) and uppercases the method, so the event buffer and
// the percentile digest never disagree on a key.
type Key struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

func (k Key) String() string {
	return k.Method + " " + k.Path
}

// KeyOf derives the aggregation key for a record.
func KeyOf(r Record) Key {
	return Key{Path: NormalizePath(r.Path), Method: strings.ToUpper(r.Method)}
}

// NormalizePath rewrites a URI path to a canonical form: a leading slash, no
// trailing slash except for the root, and collapsed runs of slashes.
// NormalizePath is idempotent: NormalizePath(NormalizePath(p)) == NormalizePath(p).
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for _, r := range p {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	out := b.String()
	if len(out) > 1 {
		out = strings.TrimRight(out, "/")
	}
	if out == "" {
		out = "/"
	}
	return out
}

// WindowAggregate is the per-key sliding-window summary cached by C3 and
// served to the dashboard by C9.
type WindowAggregate struct {
	Endpoint        string    `json:"endpoint"`
	Method          string    `json:"method"`
	WindowStart     time.Time `json:"windowStart"`
	WindowEnd       time.Time `json:"windowEnd"`
	RequestCount    int64     `json:"requestCount"`
	RPS             float64   `json:"rps"`
	P50LatencyMs    float64   `json:"p50LatencyMs"`
	P90LatencyMs    float64   `json:"p90LatencyMs"`
	P99LatencyMs    float64   `json:"p99LatencyMs"`
	MinLatencyMs    int64     `json:"minLatencyMs"`
	MaxLatencyMs    int64     `json:"maxLatencyMs"`
	ErrorRate       float64   `json:"errorRate"`
	ErrorCount      int64     `json:"errorCount"`
	SuccessCount    int64     `json:"successCount"`
	UpstreamService string    `json:"upstreamService,omitempty"`
}

// CacheKey returns the key the aggregate is stored under in the metric cache.
func CacheKey(k Key) string {
	return "metrics:" + k.Path + ":" + k.Method
}
