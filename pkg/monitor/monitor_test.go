package monitor

import (
	"net/http/httptest"
	"testing"
)

type fakeStatus struct{ s Status }

func (f fakeStatus) Status() Status { return f.s }

func TestHealthzAndStatusEndpoints(t *testing.T) {
	srv := NewServer(fakeStatus{s: Status{State: "Active", CallID: "call-1"}}, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp2, err := ts.Client().Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp2.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}
}

func TestPublishDropsWhenListenerChannelFull(t *testing.T) {
	srv := NewServer(fakeStatus{}, nil)
	ch := make(chan Event, 1)
	srv.subscribe(ch)

	srv.Publish(Event{Type: "call_started"})
	srv.Publish(Event{Type: "call_ended"})

	if len(ch) != 1 {
		t.Fatalf("expected exactly 1 buffered event, got %d", len(ch))
	}
}
