// Package playback implements the Playback Scheduler (C8): it gates every
// bot message on the turn-taking coordinator and paces playback to real
// time in 40ms chunks.
package playback

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
	"github.com/voicegw/callpipeline/pkg/logging"
	"github.com/voicegw/callpipeline/pkg/timing"
	"github.com/voicegw/callpipeline/pkg/turntaking"
)

// Scheduler paces one call's audio out through the PCM port. It plays
// already-resolved artifact paths (either a cache hit or a path the TTS
// client's staging-directory poller has already confirmed, see
// pkg/tts/staging.go) — it never touches the staging directory itself.
type Scheduler struct {
	port        io.Writer
	sampleRate  int
	coordinator *turntaking.Coordinator
	flags       *gwcore.Flags
	logger      logging.Logger

	// CallID and Timing are both optional; when set, each Play call
	// records a "playback_started"/"playback_completed" profiling span
	// (§4.8's "record start time for profiling").
	CallID string
	Timing *timing.Recorder
}

func New(port io.Writer, sampleRate int, coordinator *turntaking.Coordinator, flags *gwcore.Flags, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Scheduler{
		port:        port,
		sampleRate:  sampleRate,
		coordinator: coordinator,
		flags:       flags,
		logger:      logger,
	}
}

// chunkBytes returns the byte length of one 40ms chunk (§4.8).
func (s *Scheduler) chunkBytes() int {
	return int(float64(s.sampleRate) * 0.04 * 2)
}

// Play streams one artifact's PCM out in 40ms chunks, pacing each write to
// real time. The turn-taking gate (coordinator.ShouldProceed) is applied
// before every message, since the controller only ever calls Play once per
// distinct bot utterance and those calls are already serialized by the call
// controller's speak queue — once a message starts playing the bot never
// stops for an interruption mid-message (§3 invariant).
func (s *Scheduler) Play(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	s.coordinator.ShouldProceed(ctx)

	s.flags.SetBotSpeaking(true)
	defer s.flags.SetBotSpeaking(false)

	start := time.Now()
	if s.Timing != nil && s.CallID != "" {
		s.Timing.Record(s.CallID, "playback_started", map[string]int{"bytes": len(data)})
		defer func() {
			s.Timing.Record(s.CallID, "playback_completed", map[string]int64{"duration_ms": time.Since(start).Milliseconds()})
		}()
	}

	chunkBytes := s.chunkBytes()
	chunkDur := 40 * time.Millisecond

	for off := 0; off < len(data); off += chunkBytes {
		end := off + chunkBytes
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]

		if _, err := s.port.Write(chunk); err != nil {
			return gwcore.NewCallError(gwcore.ErrorPcmOverrun, err)
		}

		select {
		case <-time.After(chunkDur):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Drain marks the end of a call: bot_is_speaking clears so a call that ends
// mid-message doesn't leave the flag stuck set.
func (s *Scheduler) Drain() {
	s.flags.SetBotSpeaking(false)
}
