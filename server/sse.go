package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/Zhalslar/api-aggregator/pkg/verifier"
)

// testStreamHandler runs a batch test and streams its events as SSE. The
// batch runs to completion even when the client disconnects mid-stream,
// so validity flags are always recorded from real probes.
func (s *Server) testStreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		renderError(w, r, fmt.Errorf("streaming not supported"), http.StatusInternalServerError)
		return
	}

	sel := verifier.Selection{
		Names: splitParam(r.URL.Query().Get("names")),
		Sites: splitParam(r.URL.Query().Get("sites")),
		Query: r.URL.Query().Get("q"),
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.tester.StreamTests(r.Context(), sel) {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[ERROR] encode test event: %v", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data); err != nil {
			// client went away, drain the channel so the run finishes
			continue
		}
		flusher.Flush()
	}
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
