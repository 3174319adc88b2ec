package httpx

import "net/http"

// debugInfo carries the introspection fields served by the debug endpoint,
// a direct carry-over of the original service's debug controller: not on
// the client-facing dashboard path, used for local operability.
type debugInfo struct {
	EventsLast60s       int64 `json:"events_last_60s"`
	CachedMetricsCount  int   `json:"cached_metrics_count"`
	ActiveKeys          int   `json:"active_keys"`
	RawSinkQueueDepth   int   `json:"raw_sink_queue_depth"`
	PendingComputeCount int   `json:"pending_compute_count"`
}

func (r *Router) handleDebug(w http.ResponseWriter, req *http.Request) {
	cached := 0
	if aggregates, err := r.cache.All(req.Context()); err == nil {
		cached = len(aggregates)
	}
	info := debugInfo{
		EventsLast60s:       r.engine.EventsInWindow(60),
		CachedMetricsCount:  cached,
		ActiveKeys:          r.engine.ActiveKeys(),
		RawSinkQueueDepth:   r.sink.QueueDepth(),
		PendingComputeCount: r.engine.PendingCompute(),
	}
	writeJSON(w, http.StatusOK, info)
}
