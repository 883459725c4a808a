package timing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecordAppendsJSONLine(t *testing.T) {
	dir := t.TempDir()
	rec := New(dir, nil)
	defer rec.Close()

	rec.Record("call-1", "call_started", map[string]string{"caller_id": "+15551234567"})

	var lines []string
	path := filepath.Join(dir, "call-1.json")
	for i := 0; i < 20; i++ {
		b, err := os.ReadFile(path)
		if err == nil && len(strings.TrimSpace(string(b))) > 0 {
			lines = strings.Split(strings.TrimSpace(string(b)), "\n")
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 event line, got %d", len(lines))
	}

	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.CallID != "call-1" || ev.Name != "call_started" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
