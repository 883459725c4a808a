// Package timing persists per-call profiling events to
// {timing_root}/{call_id}.json (§6), one JSON object per line describing a
// notable lifecycle moment (call start/end, noise timeouts, answer
// failures, playback spans). Grounded on dialog.ArchiveSink's buffered,
// best-effort sink shape: profiling must never slow down the call path it
// is observing.
package timing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/voicegw/callpipeline/pkg/logging"
)

// Event is one profiling record appended for a call.
type Event struct {
	CallID    string      `json:"call_id"`
	Name      string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Recorder appends Events to disk on a buffered channel.
type Recorder struct {
	root   string
	logger logging.Logger
	jobs   chan Event
}

func New(root string, logger logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.NoOp{}
	}
	r := &Recorder{root: root, logger: logger, jobs: make(chan Event, 256)}
	go r.run()
	return r
}

func (r *Recorder) run() {
	for ev := range r.jobs {
		if err := r.append(ev); err != nil {
			r.logger.Warn("timing append failed", "call_id", ev.CallID, "error", err)
		}
	}
}

func (r *Recorder) append(ev Event) error {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return err
	}
	path := filepath.Join(r.root, ev.CallID+".json")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = f.Write(line)
	return err
}

// Record queues one profiling event for callID; dropped silently (with a
// log warning) if the buffer is full, matching the observability-only
// status every §7 "Profiled" entry carries.
func (r *Recorder) Record(callID, name string, data interface{}) {
	ev := Event{CallID: callID, Name: name, Timestamp: time.Now().Unix(), Data: data}
	select {
	case r.jobs <- ev:
	default:
		r.logger.Warn("timing sink full, dropping event", "call_id", callID, "event", name)
	}
}

func (r *Recorder) Close() {
	close(r.jobs)
}
