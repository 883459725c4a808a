package playback

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
	"github.com/voicegw/callpipeline/pkg/turntaking"
)

type bufWriter struct {
	buf bytes.Buffer
}

func (w *bufWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func TestPlayPacesToRealTimeWithinTolerance(t *testing.T) {
	sampleRate := 8000
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.raw")

	// 200ms of audio at 8kHz 16-bit mono = 3200 bytes.
	data := make([]byte, sampleRate/1000*200*2)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	flags := &gwcore.Flags{}
	flags.SetCallerSilent(true)
	coord := turntaking.New(flags)
	out := &bufWriter{}

	sched := New(out, sampleRate, coord, flags, nil)

	start := time.Now()
	if err := sched.Play(context.Background(), path); err != nil {
		t.Fatalf("play: %v", err)
	}
	elapsed := time.Since(start)

	want := 200 * time.Millisecond
	tolerance := want / 10
	if elapsed < want-tolerance || elapsed > want+tolerance*3 {
		t.Fatalf("expected ~%s of pacing, got %s", want, elapsed)
	}

	if out.buf.Len() != len(data) {
		t.Fatalf("expected all %d bytes written, got %d", len(data), out.buf.Len())
	}
	if flags.BotSpeaking() {
		t.Fatalf("expected bot_is_speaking cleared after Play returns")
	}
}
