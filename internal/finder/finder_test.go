package finder

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/service"
	"github.com/bigbrotr/bigbrotr/internal/storetest"
)

func newTestLogger() *bytes.Buffer {
	return &bytes.Buffer{}
}

func TestParseRelayListArrayShape(t *testing.T) {
	urls, err := parseRelayList([]byte(`["wss://a.example.com", "wss://b.example.com"]`))
	if err != nil {
		t.Fatalf("parseRelayList failed: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("expected 2 urls, got %d", len(urls))
	}
}

func TestParseRelayListObjectShape(t *testing.T) {
	urls, err := parseRelayList([]byte(`{"wss://a.example.com": {"name": "a"}, "wss://b.example.com": {}}`))
	if err != nil {
		t.Fatalf("parseRelayList failed: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("expected 2 urls, got %d", len(urls))
	}
}

func TestParseRelayListUnrecognized(t *testing.T) {
	if _, err := parseRelayList([]byte(`"just a string"`)); err == nil {
		t.Fatal("expected error for unrecognized shape")
	}
}

func TestExtractRelayURLsKind2(t *testing.T) {
	e := models.Event{Kind: 2, Content: "wss://relay.example.com"}
	urls := extractRelayURLs(e)
	if len(urls) != 1 || urls[0] != "wss://relay.example.com" {
		t.Fatalf("unexpected urls: %v", urls)
	}
}

func TestExtractRelayURLsKind10002RTags(t *testing.T) {
	e := models.Event{
		Kind: 10002,
		Tags: [][]string{
			{"r", "wss://a.example.com", "write"},
			{"r", "wss://b.example.com"},
			{"p", "ignored"},
		},
	}
	urls := extractRelayURLs(e)
	if len(urls) != 2 {
		t.Fatalf("expected 2 urls, got %v", urls)
	}
}

func TestExtractRelayURLsKind3ContentMap(t *testing.T) {
	e := models.Event{
		Kind:    3,
		Content: `{"wss://c.example.com": {"write": true, "read": true}}`,
	}
	urls := extractRelayURLs(e)
	if len(urls) != 1 || urls[0] != "wss://c.example.com" {
		t.Fatalf("unexpected urls: %v", urls)
	}
}

func newFinderForTest(t *testing.T, st *storetest.MemStore, sources []APISource) *Finder {
	t.Helper()
	log := service.NewLogger(service.LoggingConfig{}, "finder", newTestLogger())
	cfg := Config{APISources: sources, EventPageSize: 2}
	return New(cfg, st, log)
}

func TestFinderScanAPIsMergesSourcesAndDedupes(t *testing.T) {
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["wss://a.example.com", "wss://shared.example.com"]`))
	}))
	defer srv1.Close()
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"wss://shared.example.com": {}, "wss://b.example.com": {}}`))
	}))
	defer srv2.Close()

	st := storetest.New()
	f := newFinderForTest(t, st, []APISource{
		{Name: "one", URL: srv1.URL, Timeout: models.Duration(time.Second)},
		{Name: "two", URL: srv2.URL, Timeout: models.Duration(time.Second)},
	})

	if err := f.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if f.CandidatesFromAPI != 3 {
		t.Fatalf("expected 3 distinct API candidates, got %d", f.CandidatesFromAPI)
	}

	rows, err := st.ServiceStateGet(context.Background(), "validator", models.StateTypeCandidate, nil)
	if err != nil {
		t.Fatalf("ServiceStateGet failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 candidate rows, got %d", len(rows))
	}
}

func TestFinderAPISourceFailureIsSkippedNotFatal(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["wss://good.example.com"]`))
	}))
	defer ok.Close()

	st := storetest.New()
	f := newFinderForTest(t, st, []APISource{
		{Name: "bad", URL: failing.URL, Timeout: models.Duration(time.Second), Retries: 0},
		{Name: "good", URL: ok.URL, Timeout: models.Duration(time.Second)},
	})

	if err := f.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce should not fail when one source errors: %v", err)
	}
	if f.CandidatesFromAPI != 1 {
		t.Fatalf("expected 1 candidate from the surviving source, got %d", f.CandidatesFromAPI)
	}
}

func TestFinderSkipsCandidatesThatAreAlreadyRelays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["wss://known.example.com", "wss://new.example.com"]`))
	}))
	defer srv.Close()

	st := storetest.New()
	if _, err := st.RelayInsert(context.Background(), []models.Relay{
		{URL: "wss://known.example.com/", Network: models.NetworkClearnet, DiscoveredAt: time.Now().Unix()},
	}); err != nil {
		t.Fatalf("seed relay: %v", err)
	}

	f := newFinderForTest(t, st, []APISource{{Name: "src", URL: srv.URL, Timeout: models.Duration(time.Second)}})
	if err := f.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	rows, err := st.ServiceStateGet(context.Background(), "validator", models.StateTypeCandidate, nil)
	if err != nil {
		t.Fatalf("ServiceStateGet failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "wss://new.example.com/" {
		t.Fatalf("expected only the unknown relay as a candidate, got %v", rows)
	}
}

func TestFinderEventScanPaginatesAndPersistsCursor(t *testing.T) {
	st := storetest.New()
	events := make([]models.Event, 0, 5)
	for i := 0; i < 5; i++ {
		events = append(events, models.Event{
			ID:        eventIDFor(i),
			Kind:      2,
			CreatedAt: int64(1000 + i),
			Content:   relayURLFor(i),
		})
	}
	if _, err := st.EventInsert(context.Background(), events); err != nil {
		t.Fatalf("seed events: %v", err)
	}

	f := newFinderForTest(t, st, nil)
	if err := f.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if f.CandidatesFromEvents != 5 {
		t.Fatalf("expected 5 event-derived candidates, got %d", f.CandidatesFromEvents)
	}

	var cursor eventScanCursor
	found, err := f.cursor.Get(context.Background(), models.StateTypeCursor, "events", &cursor)
	if err != nil || !found {
		t.Fatalf("expected a persisted cursor, found=%v err=%v", found, err)
	}
	if cursor.LastCreatedAt != 1004 {
		t.Fatalf("expected cursor to reach the last event, got %+v", cursor)
	}

	// A second run with no new events should be a no-op that does not
	// rewind the cursor or reprocess anything.
	if err := f.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}
	if f.CandidatesFromEvents != 0 {
		t.Fatalf("expected 0 new event-derived candidates on second run, got %d", f.CandidatesFromEvents)
	}
}

func eventIDFor(i int) string {
	b, _ := json.Marshal(i)
	return "evt" + string(b)
}

func relayURLFor(i int) string {
	return "wss://event" + string(rune('a'+i)) + ".example.com"
}
