package tts

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
)

func TestSpeakCacheHitMakesNoHTTPCall(t *testing.T) {
	stagingDir := t.TempDir()

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		// Mimics the real engine contract (§6): the HTTP response is just
		// an acknowledgement, the PCM itself is staged asynchronously.
		name := fmt.Sprintf("tts_call-1_%d.raw", time.Now().UnixNano())
		if err := os.WriteFile(filepath.Join(stagingDir, name), []byte("pcmdata"), 0o644); err != nil {
			t.Fatal(err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cacheRoot := t.TempDir()
	client := New(server.URL, cacheRoot, stagingDir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	cfg := gwcore.DefaultVoiceConfig()
	cfg.VoiceSettings.Voice = "voice-a"
	cfg.AudioFormat = gwcore.AudioFormat8kHz
	session := gwcore.NewCallSession("call-1", "+15551234567", cfg)

	speakCtx, speakCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer speakCancel()

	res1, err := client.Speak(speakCtx, session, "Hello there", Normal)
	if err != nil {
		t.Fatalf("first speak: %v", err)
	}
	if res1.FromCache {
		t.Fatalf("expected first call to be a cache miss")
	}
	if calls != 1 {
		t.Fatalf("expected 1 HTTP call, got %d", calls)
	}

	res2, err := client.Speak(context.Background(), session, "Hello there", Normal)
	if err != nil {
		t.Fatalf("second speak: %v", err)
	}
	if !res2.FromCache {
		t.Fatalf("expected second call to be a cache hit")
	}
	if calls != 1 {
		t.Fatalf("expected no additional HTTP call on cache hit, got %d total", calls)
	}
}

func TestQueueDrainsHighPriorityFirst(t *testing.T) {
	q := NewQueue()
	q.Push(SpeakJob{Text: "normal-1", Priority: Normal})
	q.Push(SpeakJob{Text: "normal-2", Priority: Normal})
	q.Push(SpeakJob{Text: "urgent", Priority: High})

	job, ok := q.Pop()
	if !ok || job.Text != "urgent" {
		t.Fatalf("expected high priority job first, got %+v", job)
	}

	job, ok = q.Pop()
	if ok {
		t.Fatalf("expected the high priority push to discard pending normal jobs, got %+v", job)
	}
}
