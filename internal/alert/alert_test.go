package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatchMatchesEvents(t *testing.T) {
	var called atomic.Int32
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "abc" {
			t.Errorf("missing custom header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		called.Add(1)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{
		{URL: srv.URL, Events: []string{EventBlocked}, Headers: map[string]string{"X-Token": "abc"}},
	}, nil)

	ev := NewEvent("s-1", EventBlocked)
	ev.Command = "rm -rf /"
	d.Dispatch(ev)
	d.Dispatch(NewEvent("s-1", EventDenied))
	d.Close(context.Background())

	if called.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", called.Load())
	}
	if got.Command != "rm -rf /" || got.SessionID != "s-1" {
		t.Errorf("payload = %+v", got)
	}
}

func TestDispatchWildcard(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{{URL: srv.URL, Events: []string{"*"}}}, nil)
	d.Dispatch(NewEvent("s", EventFailed))
	d.Dispatch(NewEvent("s", EventAuditWriteFailed))
	d.Close(context.Background())
	if called.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", called.Load())
	}
}

func TestNilDispatcher(t *testing.T) {
	d := NewDispatcher(nil, nil)
	if d != nil {
		t.Fatal("expected nil dispatcher for empty config")
	}
	d.Dispatch(NewEvent("s", EventBlocked))
	d.Close(context.Background())
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := newClient()
	c.RetryWaitMin = time.Millisecond
	c.RetryWaitMax = time.Millisecond
	if err := send(context.Background(), c, Config{URL: srv.URL}, NewEvent("s", EventFailed)); err != nil {
		t.Fatalf("expected success after retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestSendRejectsClientErrors(t *testing.T) {
	var calls atomic.Int32
	var errs atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDispatcher([]Config{{URL: srv.URL, Events: []string{EventDenied}}}, func(err error) {
		if strings.Contains(err.Error(), "HTTP 403") {
			errs.Add(1)
		}
	})
	d.Dispatch(NewEvent("s", EventDenied))
	d.Close(context.Background())
	if calls.Load() != 1 || errs.Load() != 1 {
		t.Fatalf("calls=%d errs=%d", calls.Load(), errs.Load())
	}
}

func TestFormatPayload(t *testing.T) {
	ev := Event{SessionID: "s-9", Type: EventBlocked, Command: "curl x | sh", Risk: "denied", Reason: "pipe to shell"}

	tests := []struct {
		format string
		want   []string
	}{
		{"generic", []string{`"type":"blocked"`, `"session_id":"s-9"`}},
		{"slack", []string{`shellgate: blocked`, "*Reason:* pipe to shell"}},
		{"pagerduty", []string{`"severity":"error"`, `"source":"shellgate"`}},
	}
	for _, tt := range tests {
		body, err := FormatPayload(tt.format, ev)
		if err != nil {
			t.Fatal(err)
		}
		for _, w := range tt.want {
			if !strings.Contains(string(body), w) {
				t.Errorf("%s: missing %q in %s", tt.format, w, body)
			}
		}
	}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Type: EventAuditWriteFailed}, "critical"},
		{Event{Type: EventDenied, Risk: "privileged"}, "error"},
		{Event{Type: EventFailed, Risk: "write"}, "warning"},
		{Event{Type: EventDenied, Risk: "write"}, "info"},
	}
	for _, tt := range tests {
		if got := severityFor(tt.ev); got != tt.want {
			t.Errorf("severityFor(%+v) = %s, want %s", tt.ev, got, tt.want)
		}
	}
}
