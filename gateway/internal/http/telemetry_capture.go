package httpx

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/splax/telemetrygw/pkg/telemetry"
)

// Emitter is C7 as seen from the gateway filter chain: a non-blocking
// fire-and-forget sink for completed request records.
type Emitter interface {
	Emit(record telemetry.Record)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// telemetryCapture is the fourth filter, lowest precedence: it wraps the
// whole chain (authenticate, rate-limit and route), stamping entry time and a
// fresh requestId, and building exactly one TelemetryRecord on completion
// regardless of whether the chain succeeded, short-circuited, errored, or the
// handler panicked. A per-request
// atomic flag is set before the emitter is called, closing the race the
// original design describes between success/error/final completion signals.
func (r *Router) telemetryCapture(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		var emitted atomic.Bool

		recorder := &statusRecorder{ResponseWriter: w}

		defer func() {
			panicked := recover()
			if !emitted.CompareAndSwap(false, true) {
				if panicked != nil {
					panic(panicked)
				}
				return
			}
			record := r.buildRecord(req, recorder, requestID, start, panicked)
			if r.emitter != nil {
				r.emitter.Emit(record)
			}
			if panicked != nil {
				panic(panicked)
			}
		}()

		// Mutate req in place (rather than threading a derived copy into
		// next) so that context values attached by filters further down the
		// chain (auth info, route info) are visible on this same req when
		// buildRecord runs above.
		*req = *req.WithContext(context.WithValue(req.Context(), contextKeyRequestID, requestID))
		next(recorder, req)
	}
}

type requestIDContextKey string

const contextKeyRequestID requestIDContextKey = "gateway-request-id"

func (r *Router) buildRecord(req *http.Request, recorder *statusRecorder, requestID string, start time.Time, panicked any) telemetry.Record {
	status := recorder.status
	if status == 0 {
		status = http.StatusOK
	}
	errorType := ""
	upstream := ""
	routeID := ""
	if info, ok := routeInfoFromContext(req.Context()); ok {
		errorType = info.ErrorType
		upstream = info.UpstreamService
		routeID = info.RouteID
		if info.StatusCode != 0 {
			status = info.StatusCode
		}
	}
	if panicked != nil {
		status = http.StatusInternalServerError
		errorType = "panic"
	}
	clientID := "unknown"
	apiKey := ""
	if info, ok := authInfoFromContext(req.Context()); ok {
		if info.ClientID != "" {
			clientID = info.ClientID
		}
		apiKey = info.APIKey
	}
	return telemetry.Record{
		RequestID:       requestID,
		Path:            telemetry.NormalizePath(req.URL.Path),
		Method:          req.Method,
		StatusCode:      status,
		LatencyMs:       time.Since(start).Milliseconds(),
		ClientID:        clientID,
		APIKey:          apiKey,
		UpstreamService: upstream,
		RouteID:         routeID,
		Timestamp:       start.UTC(),
		ErrorType:       errorType,
		UserAgent:       req.UserAgent(),
		IPAddress:       clientIP(req),
	}
}

func clientIP(req *http.Request) string {
	if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := req.RemoteAddr
	if idx := lastColon(host); idx >= 0 {
		host = host[:idx]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
