package dialog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lestrrat-go/strftime"
	"github.com/voicegw/callpipeline/pkg/logging"
)

// ArchiveSink persists dispatched Opus audio to
// {audio_archive}/{call_id}_{stream}_{timestamp}.ogg on a buffered,
// best-effort channel, per the Open Question resolution in SPEC_FULL.md:
// archiving is a sink, never allowed to block the dispatcher path.
type ArchiveSink struct {
	root    string
	logger  logging.Logger
	jobs    chan archiveJob
	pattern *strftime.Strftime
}

type archiveJob struct {
	callID string
	stream string
	data   []byte
	at     time.Time
}

func NewArchiveSink(root string, logger logging.Logger) *ArchiveSink {
	if logger == nil {
		logger = logging.NoOp{}
	}
	// Timestamp format borrowed from doismellburning-samoyed's use of
	// lestrrat-go/strftime for artifact filenames.
	pattern, _ := strftime.New("%Y%m%d%H%M%S")
	s := &ArchiveSink{root: root, logger: logger, jobs: make(chan archiveJob, 256), pattern: pattern}
	go s.run()
	return s
}

func (s *ArchiveSink) run() {
	for job := range s.jobs {
		if err := s.write(job); err != nil {
			s.logger.Warn("archive write failed", "call_id", job.callID, "error", err)
		}
	}
}

func (s *ArchiveSink) write(job archiveJob) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	ts := job.at.Format("20060102150405")
	if s.pattern != nil {
		ts = s.pattern.FormatString(job.at)
	}
	name := fmt.Sprintf("%s_%s_%s.ogg", job.callID, job.stream, ts)
	path := filepath.Join(s.root, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, job.data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Submit enqueues audio for archiving; if the buffer is full the job is
// dropped rather than applying backpressure to the caller.
func (s *ArchiveSink) Submit(callID, stream string, data []byte) {
	job := archiveJob{callID: callID, stream: stream, data: data, at: time.Now()}
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("archive sink full, dropping segment", "call_id", callID, "stream", stream)
	}
}

func (s *ArchiveSink) Close() {
	close(s.jobs)
}
