package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/cube-drone/logmunch/internal/minutedb"
	"github.com/cube-drone/logmunch/pkg/minute"
	"github.com/cube-drone/logmunch/pkg/minuteid"
)

func newTestRouter(events chan minute.Event) *mux.Router {
	c := &collector{events: events}
	r := mux.NewRouter()
	r.HandleFunc("/services/collector/event/{version}", c.handleIngestOptions).Methods(http.MethodOptions)
	r.HandleFunc("/services/collector/event/{version}", c.handleIngest).Methods(http.MethodPost)
	return r
}

func TestHandleIngestAcceptsJSONArray(t *testing.T) {
	events := make(chan minute.Event, 10)
	router := newTestRouter(events)

	body := `[
		{"event": "hello world", "time": "1700000000.5", "host": "a"},
		{"event": "goodbye world", "time": "1700000001.25", "host": "b"}
	]`
	req := httptest.NewRequest(http.MethodPost, "/services/collector/event/1.0", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events, 2)

	first := <-events
	require.Equal(t, "hello world", first.Message)
	require.Equal(t, "a", first.Host)
	require.Equal(t, int64(1700000000500000), first.HostTime)
}

func TestHandleIngestAcceptsConcatenatedObjects(t *testing.T) {
	events := make(chan minute.Event, 10)
	router := newTestRouter(events)

	body := `{"event": "one", "time": "1.0", "host": "h"}{"event": "two", "time": "2.0", "host": "h"}`
	req := httptest.NewRequest(http.MethodPost, "/services/collector/event/1.0", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events, 2)
}

func TestHandleIngestOptionsRespondsOK(t *testing.T) {
	events := make(chan minute.Event, 1)
	router := newTestRouter(events)

	req := httptest.NewRequest(http.MethodOptions, "/services/collector/event/1.0", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, events)
}

func TestHandleIngestSkipsEntriesWithBadTime(t *testing.T) {
	events := make(chan minute.Event, 10)
	router := newTestRouter(events)

	body := `[{"event": "bad", "time": "not-a-number", "host": "h"}]`
	req := httptest.NewRequest(http.MethodPost, "/services/collector/event/1.0", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, events)
}

func TestHandleSearchReturnsMatchingRows(t *testing.T) {
	dir := t.TempDir()
	id := minuteid.New(1, 1, 1, "a")
	handle, err := minute.Open(id, dir)
	require.NoError(t, err)
	require.NoError(t, handle.WriteSecond([]minute.Event{
		{Message: "the findable needle", Host: "h", HostTime: 1},
		{Message: "irrelevant hay", Host: "h", HostTime: 2},
	}))
	require.NoError(t, handle.Seal())
	handle.Close()

	db := minutedb.New(minutedb.Config{DataDir: dir, NMinutes: 10, MachineID: "m", MaxWriteThreads: 2})
	db.Update(map[minuteid.ID]struct{}{id: {}})

	s := &searchHandler{db: db}
	req := httptest.NewRequest(http.MethodGet, "/search?q=needle", nil)
	rec := httptest.NewRecorder()
	s.handleSearch(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var results []minute.Log
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
}

func TestHandleSearchRequiresQuery(t *testing.T) {
	s := &searchHandler{db: minutedb.New(minutedb.Config{DataDir: t.TempDir(), NMinutes: 10})}
	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rec := httptest.NewRecorder()
	s.handleSearch(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
