package tts

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voicegw/callpipeline/pkg/logging"
)

// stagingArtifact is one engine-produced PCM file observed on disk.
type stagingArtifact struct {
	callID string
	path   string
}

// stagingPoller is the §9 redesign of "filesystem as an async bus": it
// polls the TTS engine's staging directory for files matching
// tts_{call_id}_{millis}.raw (§6) and publishes them, in filename
// (creation) order, on an in-process "artifact ready" channel instead of
// handing the filesystem contract directly to callers. This keeps the
// transport (directory polling) separate from the policy (which call a
// synthesis request belongs to) and is replaceable with an in-memory fake
// in tests, exactly as §9 calls for.
type stagingPoller struct {
	dir      string
	interval time.Duration
	logger   logging.Logger

	mu   sync.Mutex
	seen map[string]bool

	ready chan stagingArtifact
}

func newStagingPoller(dir string, interval time.Duration, logger logging.Logger) *stagingPoller {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &stagingPoller{
		dir:      dir,
		interval: interval,
		logger:   logger,
		seen:     make(map[string]bool),
		ready:    make(chan stagingArtifact, 32),
	}
}

// run polls until ctx is cancelled. One poller instance is shared by every
// call, matching spec.md §3's "exactly one call may exist at a time".
func (p *stagingPoller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scan()
		}
	}
}

func (p *stagingPoller) scan() {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "tts_") || !strings.HasSuffix(name, ".raw") {
			continue
		}
		names = append(names, name)
	}
	// Lexicographic filename order matches creation order for this
	// single-producer engine (§5 ordering guarantees).
	sort.Strings(names)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range names {
		if p.seen[name] {
			continue
		}
		p.seen[name] = true
		artifact := stagingArtifact{callID: parseStagingCallID(name), path: filepath.Join(p.dir, name)}
		select {
		case p.ready <- artifact:
		default:
			p.logger.Warn("tts staging ready channel full, dropping artifact", "file", name)
		}
	}
}

// parseStagingCallID extracts call_id from tts_{call_id}_{millis}.raw.
func parseStagingCallID(name string) string {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "tts_"), ".raw")
	idx := strings.LastIndex(trimmed, "_")
	if idx < 0 {
		return trimmed
	}
	return trimmed[:idx]
}

// waitFor blocks until an artifact for callID is observed, discarding
// ready artifacts for any other call (a stray file left over from a call
// that has already ended, since at most one call is ever active).
func (p *stagingPoller) waitFor(ctx context.Context, callID string) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case a := <-p.ready:
			if a.callID == callID {
				return a.path, nil
			}
		}
	}
}
