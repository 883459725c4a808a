package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAppendTurnWritesLine(t *testing.T) {
	dir := t.TempDir()
	sink := New(dir, nil)
	defer sink.Close()

	sink.AppendTurn("call-1", "caller", "hello there")
	sink.AppendTurn("call-1", "bot", "hi, how can I help?")

	var data []byte
	path := filepath.Join(dir, "call-1_transcription.txt")
	for i := 0; i < 20; i++ {
		b, err := os.ReadFile(path)
		if err == nil && strings.Count(string(b), "\n") >= 2 {
			data = b
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !strings.Contains(string(data), "caller: hello there") {
		t.Fatalf("expected caller turn in transcript, got %q", data)
	}
	if !strings.Contains(string(data), "bot: hi, how can I help?") {
		t.Fatalf("expected bot turn in transcript, got %q", data)
	}
}
