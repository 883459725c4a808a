// Package transcript persists each call's conversation turns to
// {transcript_root}/{call_id}_transcription.txt (§6), appended one line per
// turn as the Dialog Dispatcher records them. It is a write sink only: the
// in-memory transcript on CallSession (used for dialog-service context and
// the welcome-release gate) remains authoritative during the call.
package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/voicegw/callpipeline/pkg/logging"
)

// Sink appends transcript turns to disk on a buffered, best-effort channel,
// the same discipline dialog.ArchiveSink applies to archived audio: a slow
// disk must never block the dispatcher path that produces these turns.
type Sink struct {
	root   string
	logger logging.Logger
	jobs   chan turnJob
}

type turnJob struct {
	callID string
	role   string
	text   string
	at     time.Time
}

func New(root string, logger logging.Logger) *Sink {
	if logger == nil {
		logger = logging.NoOp{}
	}
	s := &Sink{root: root, logger: logger, jobs: make(chan turnJob, 256)}
	go s.run()
	return s
}

func (s *Sink) run() {
	for job := range s.jobs {
		if err := s.append(job); err != nil {
			s.logger.Warn("transcript append failed", "call_id", job.callID, "error", err)
		}
	}
}

func (s *Sink) append(job turnJob) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.root, job.callID+"_transcription.txt")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line := fmt.Sprintf("[%s] %s: %s\n", job.at.Format(time.RFC3339), job.role, job.text)
	_, err = f.WriteString(line)
	return err
}

// AppendTurn queues one transcript line; if the buffer is full the turn is
// dropped from the on-disk record rather than applying backpressure to the
// dialog dispatcher (the in-memory transcript on CallSession is unaffected).
func (s *Sink) AppendTurn(callID, role, text string) {
	job := turnJob{callID: callID, role: role, text: text, at: time.Now()}
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("transcript sink full, dropping turn", "call_id", callID, "role", role)
	}
}

func (s *Sink) Close() {
	close(s.jobs)
}
