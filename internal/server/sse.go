package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/gatewayerr"
)

// sseEvent is the tagged envelope every streaming response uses, POOL and
// AGENTIC alike (spec.md §6: "each event is data: <json>\n\n where JSON is
// a tagged variant {type, data}"). POOL's "single-event stream carrying
// text" (spec.md §4.2) is modeled as a run of "chunk" events so a client
// handles both service types identically.
type sseEvent struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// sseWriter frames events onto an http.ResponseWriter and sends a 1-second
// keep-alive ping whenever no real event has been written in that window
// (spec.md §4.2's idle-timeout guard against intermediary proxies).
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sw := &sseWriter{w: w, flusher: flusher, done: make(chan struct{})}
	go sw.keepAlive()
	return sw, true
}

func (sw *sseWriter) keepAlive() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sw.done:
			return
		case <-ticker.C:
			fmt.Fprint(sw.w, ": ping\n\n")
			sw.flusher.Flush()
		}
	}
}

// WriteEvent frames one tagged event.
func (sw *sseWriter) WriteEvent(eventType, data string) {
	b, _ := json.Marshal(sseEvent{Type: eventType, Data: data})
	fmt.Fprintf(sw.w, "data: %s\n\n", b)
	sw.flusher.Flush()
}

// WriteError frames the terminal error event spec.md §7 mandates ("one
// terminal {\"type\":\"error\",\"data\":\"…\"} SSE event before closing the
// stream"), sanitizing the message first.
func (sw *sseWriter) WriteError(err error) {
	sw.WriteEvent("error", gatewayerr.Sanitize(err.Error()))
}

// Close stops the keep-alive goroutine. Callers write a final "[DONE]"
// marker themselves if the wire contract calls for one.
func (sw *sseWriter) Close() {
	close(sw.done)
	fmt.Fprint(sw.w, "data: [DONE]\n\n")
	sw.flusher.Flush()
}
