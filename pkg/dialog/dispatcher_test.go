package dialog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicegw/callpipeline/pkg/gwcore"
)

func TestSplitResponseBasic(t *testing.T) {
	tokens := SplitResponse("Hello there. How are you? Great!", "en")
	want := []string{"Hello there.", "How are you?", "Great!"}
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens, want %d: %v", len(tokens), len(want), tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("token %d: got %q want %q", i, tokens[i], want[i])
		}
	}
}

func TestSplitResponseSplitsOnComma(t *testing.T) {
	tokens := SplitResponse("First, get your ID, then wait in line.", "en")
	want := []string{"First,", "get your ID,", "then wait in line."}
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens, want %d: %v", len(tokens), len(want), tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("token %d: got %q want %q", i, tokens[i], want[i])
		}
	}
}

func TestSplitResponseHonorsAbbreviationException(t *testing.T) {
	tokens := SplitResponse("Please ask Dr. Smith. He will help.", "en")
	if len(tokens) != 2 {
		t.Fatalf("expected abbreviation to not split the sentence, got %v", tokens)
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	d := New("http://example.invalid", 10, nil, nil)
	session := gwcore.NewCallSession("call-1", "+15551234567", gwcore.DefaultVoiceConfig())

	for i := 0; i < queueCapacity; i++ {
		if err := d.Enqueue(Request{Session: session, Chunk: gwcore.Chunk{ChunkNum: i}}); err != nil {
			t.Fatalf("unexpected drop at %d: %v", i, err)
		}
	}

	if err := d.Enqueue(Request{Session: session, Chunk: gwcore.Chunk{ChunkNum: queueCapacity}}); err != gwcore.ErrQueueFull {
		t.Fatalf("expected ErrQueueFull once queue is saturated, got %v", err)
	}
}

// TestDispatchSpeaksServiceFallbackOnHTTPError covers scenario §8-4: a
// non-200 response whose body is the error envelope must speak the
// service-supplied fallback_response, and must not stop the call since
// the error envelope omits `continue`.
func TestDispatchSpeaksServiceFallbackOnHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"status":"error","error":"upstream timeout","fallback_response":"Sorry, our assistant is briefly unavailable."}`))
	}))
	defer server.Close()

	d := New(server.URL, 100, nil, nil)
	session := gwcore.NewCallSession("call-1", "+15551234567", gwcore.DefaultVoiceConfig())

	var gotText string
	var gotHighPriority bool
	d.OnResponseToken = func(s *gwcore.CallSession, token string, highPriority bool) {
		gotText = token
		gotHighPriority = highPriority
	}

	d.dispatch(context.Background(), Request{Session: session, Chunk: gwcore.Chunk{ChunkNum: 3, PCM: make([]byte, 320)}})

	if gotText != "Sorry, our assistant is briefly unavailable." {
		t.Fatalf("expected service-supplied fallback_response to be spoken, got %q", gotText)
	}
	if !gotHighPriority {
		t.Fatalf("expected fallback to be spoken at high priority")
	}
}

// TestDispatchUsesFixedFallbackWhenErrorEnvelopeOmitsOne covers the plain
// network-failure path, where there is no JSON body to pull a
// fallback_response from at all.
func TestDispatchUsesFixedFallbackWhenErrorEnvelopeOmitsOne(t *testing.T) {
	d := New("http://127.0.0.1:0", 100, nil, nil)
	session := gwcore.NewCallSession("call-1", "+15551234567", gwcore.DefaultVoiceConfig())

	var gotText string
	d.OnResponseToken = func(s *gwcore.CallSession, token string, highPriority bool) {
		gotText = token
	}

	d.dispatch(context.Background(), Request{Session: session, Chunk: gwcore.Chunk{ChunkNum: 1, PCM: make([]byte, 320)}})

	if gotText != d.FallbackText {
		t.Fatalf("expected fixed fallback text on connection failure, got %q", gotText)
	}
}
