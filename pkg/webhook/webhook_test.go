package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNotifyPostsExpectedShape(t *testing.T) {
	var received payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(server.URL, nil)
	client.Notify(context.Background(), EventCallEnded, "call-1", "sess-1", map[string]string{"reason": "caller_hangup"})

	if received.Event != EventCallEnded {
		t.Fatalf("expected event %q, got %q", EventCallEnded, received.Event)
	}
	if received.CallID != "call-1" {
		t.Fatalf("expected call id call-1, got %s", received.CallID)
	}
}

func TestNotifyWithEmptyEndpointIsNoop(t *testing.T) {
	client := New("", nil)
	client.Notify(context.Background(), EventCallStarted, "call-1", "sess-1", nil)
}
