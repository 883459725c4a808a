// Package turntaking implements the Turn-Taking Coordinator (C5): the
// shared caller_is_silent / bot_is_speaking flags (gwcore.Flags) plus the
// wait primitive the Playback Scheduler uses before starting a new bot
// message, so the bot and caller never speak at once.
package turntaking

import (
	"context"
	"sync"
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
)

// Coordinator guards CallSession.Flags. A Go channel that is closed and
// replaced on every silence declaration stands in for the mutex+condition-
// variable pattern the spec calls for — the idiomatic Go equivalent, and
// the same signal-via-channel idiom the teacher uses for its events stream
// (pkg/orchestrator/managed_stream.go).
type Coordinator struct {
	flags *gwcore.Flags

	mu             sync.Mutex
	silenceSignal  chan struct{}
	lastSpeechTime time.Time
}

func New(flags *gwcore.Flags) *Coordinator {
	return &Coordinator{flags: flags, silenceSignal: make(chan struct{})}
}

// MarkSpeechObserved clears caller_is_silent. Called by the call
// controller's capture loop the instant a frame classifies as speech.
func (c *Coordinator) MarkSpeechObserved() {
	c.mu.Lock()
	c.lastSpeechTime = time.Now()
	c.mu.Unlock()
	c.flags.SetCallerSilent(false)
}

// MarkSilenceDeclared sets caller_is_silent and wakes every waiter. This is
// the only place the signal fires, matching the spec's locking discipline.
func (c *Coordinator) MarkSilenceDeclared() {
	c.flags.SetCallerSilent(true)

	c.mu.Lock()
	ch := c.silenceSignal
	c.silenceSignal = make(chan struct{})
	c.mu.Unlock()
	close(ch)
}

// WaitForSilence blocks until caller_is_silent is set, ctx is cancelled, or
// timeout elapses, returning whether silence was observed.
func (c *Coordinator) WaitForSilence(ctx context.Context, timeout time.Duration) bool {
	if c.flags.CallerSilent() {
		return true
	}

	c.mu.Lock()
	ch := c.silenceSignal
	c.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) lastSpeech() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSpeechTime
}

// ShouldProceed implements the Playback Scheduler's start-of-message gate
// (§4.5/§4.8): if the caller is already silent, start immediately. Otherwise
// wait up to 6s for silence; on timeout, give the caller 2 more seconds of
// grace only if they spoke within the last 2s, then start regardless so the
// bot is never blocked indefinitely by a line that never goes fully quiet.
func (c *Coordinator) ShouldProceed(ctx context.Context) {
	if c.WaitForSilence(ctx, 6*time.Second) {
		return
	}
	if time.Since(c.lastSpeech()) < 2*time.Second {
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
		}
	}
}
