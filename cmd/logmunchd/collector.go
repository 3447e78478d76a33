package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cube-drone/logmunch/internal/minutedb"
	"github.com/cube-drone/logmunch/internal/telemetry"
	"github.com/cube-drone/logmunch/pkg/logging"
	"github.com/cube-drone/logmunch/pkg/minute"
	"github.com/cube-drone/logmunch/pkg/searchtree"
)

// inputEvent is the wire shape of one Splunk-HEC-style collector
// event: {"event": "...", "time": "<unix seconds, fractional>", "host": "..."}.
type inputEvent struct {
	Event string `json:"event"`
	Time  string `json:"time"`
	Host  string `json:"host"`
}

// collector turns inbound HTTP requests into minute.Events on a
// channel the write-dispatch loop drains once a second.
type collector struct {
	events chan<- minute.Event
}

// handleIngestOptions answers the CORS preflight a Splunk-HEC-style
// client sends before POSTing to the versioned collector endpoint.
func (c *collector) handleIngestOptions(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusOK)
	io.WriteString(rw, "OK")
}

// handleIngest decodes a JSON array of inputEvents, or a bare stream of
// concatenated JSON objects — either shape a Splunk HEC client may
// send — off the request body and forwards each as a minute.Event.
// Go's json.Decoder reads a sequence of JSON values off a stream
// natively, so no hand-rolled brace counting is needed here: an array
// is just one value containing a slice, and a bare stream is read one
// value at a time by looping Decode until EOF.
func (c *collector) handleIngest(rw http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version := vars["version"]
	logging.Debugf("collector: ingest version=%s", version)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "could not read request body", http.StatusBadRequest)
		return
	}

	var batch []inputEvent
	if err := json.Unmarshal(body, &batch); err == nil {
		for _, ev := range batch {
			c.forward(ev)
		}
		io.WriteString(rw, "OK")
		return
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	for {
		var ev inputEvent
		if err := dec.Decode(&ev); err != nil {
			if err != io.EOF {
				logging.Warnf("collector: decode event stream: %v", err)
			}
			break
		}
		c.forward(ev)
	}

	io.WriteString(rw, "OK")
}

func (c *collector) forward(ev inputEvent) {
	seconds, err := strconv.ParseFloat(ev.Time, 64)
	if err != nil {
		logging.Warnf("collector: bad time field %q: %v", ev.Time, err)
		return
	}
	event := minute.Event{
		Message:  ev.Event,
		Host:     ev.Host,
		HostTime: int64(seconds * 1_000_000),
	}
	telemetry.EventsIngested.Inc()
	telemetry.EventBytesIngested.Add(float64(event.SizeBytes()))
	c.events <- event
}

// searchHandler answers GET /search?q=<query> by fanning the query
// out across the cached minutes and returning matching log rows.
type searchHandler struct {
	db *minutedb.DB
}

func (s *searchHandler) handleSearch(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		http.Error(rw, "'q' query parameter missing", http.StatusBadRequest)
		return
	}

	search := searchtree.New(q)
	results := <-s.db.SearchAsync(r.Context(), search)

	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(results); err != nil {
		logging.Errorf("search: encode response: %v", err)
	}
}
