package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/launchr/internal/audit"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		receivedBody   []byte
		receivedURL    string
		receivedMethod string
		contentType    string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "launchr-audit")
	ev := audit.Event{
		OccurredAt: time.Now().UTC(),
		Actor:      "root",
		Action:     audit.ActionStop,
		Resource:   audit.ResourceStartupRequest,
		ResourceID: "req-9",
		Project:    "proj",
		Before:     "approved",
		After:      "stopped",
		Outcome:    audit.OutcomeSuccess,
	}
	if err := sink.Send(context.Background(), ev); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/launchr-audit/_doc" {
		t.Errorf("unexpected path: %s", receivedURL)
	}
	if contentType != "application/json" {
		t.Errorf("unexpected content type: %s", contentType)
	}
	var got audit.Event
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("body is not an event: %v", err)
	}
	if got.ResourceID != "req-9" || got.After != "stopped" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestOpenSearchSink_ErrorStatusCarriesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	defer server.Close()
	err := New(server.URL, "idx").Send(context.Background(), audit.Event{})
	if err == nil || !strings.Contains(err.Error(), "mapper_parsing_exception") {
		t.Fatalf("expected error with response body, got %v", err)
	}
}

func TestOpenSearchSink_BasicAuth(t *testing.T) {
	var user, pass string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()
	if err := New(server.URL, "idx").WithBasicAuth("audit", "s3cret").Send(context.Background(), audit.Event{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if user != "audit" || pass != "s3cret" {
		t.Fatalf("unexpected credentials %q/%q", user, pass)
	}
}
