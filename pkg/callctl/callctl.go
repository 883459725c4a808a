// Package callctl implements the Call Controller (C9): the top-level state
// machine Idle -> Ringing -> Answered -> Active -> Ended that owns a call's
// lifetime and starts/stops every other component around it.
package callctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicegw/callpipeline/pkg/cdr"
	"github.com/voicegw/callpipeline/pkg/dialog"
	"github.com/voicegw/callpipeline/pkg/gwcore"
	"github.com/voicegw/callpipeline/pkg/logging"
	"github.com/voicegw/callpipeline/pkg/modem"
	"github.com/voicegw/callpipeline/pkg/monitor"
	gwserial "github.com/voicegw/callpipeline/pkg/serial"
	"github.com/voicegw/callpipeline/pkg/timing"
	"github.com/voicegw/callpipeline/pkg/tts"
	"github.com/voicegw/callpipeline/pkg/turntaking"
	"github.com/voicegw/callpipeline/pkg/vad"
	"github.com/voicegw/callpipeline/pkg/webhook"
)

// State is one of the five phases a call passes through (§4.9).
type State string

const (
	StateIdle     State = "Idle"
	StateRinging  State = "Ringing"
	StateAnswered State = "Answered"
	StateActive   State = "Active"
	StateEnded    State = "Ended"
)

const settleWait = 2 * time.Second

// tooNoisyPhrase is spoken, at high priority, whenever the utterance state
// machine gives up on an utterance that never resolved within T_max.
const tooNoisyPhrase = "Sorry, it's a little too noisy for me to hear you. Could you try again?"

// Playback is the subset of playback.Scheduler the controller drives; kept
// as an interface so tests can substitute a fake without opening a real PCM
// port.
type Playback interface {
	Play(ctx context.Context, path string) error
	Drain()
}

// Deps bundles every collaborator the controller starts per-call.
type Deps struct {
	Modem        *modem.Session
	PCMPort      gwserial.Port
	ConfigSource func() gwcore.VoiceConfig
	Dispatcher   *dialog.Dispatcher
	TTS          *tts.Client
	CDR          *cdr.Store
	Webhook      *webhook.Client
	Monitor      *monitor.Server
	Timing       *timing.Recorder
	Logger       logging.Logger

	// PlaybackFactory builds a fresh Scheduler bound to the call's own
	// turn-taking flags, since each call gets its own coordinator (§5: no
	// shared state across calls). Tests may instead set Playback directly
	// to bypass the factory.
	PlaybackFactory func(session *gwcore.CallSession, coord *turntaking.Coordinator) Playback
	Playback        Playback
}

// Controller drives one physical line's call lifecycle, one call at a time.
type Controller struct {
	deps Deps

	mu         sync.Mutex
	state      State
	session    *gwcore.CallSession
	started    time.Time
	callCancel context.CancelFunc

	framer   *vad.Framer
	mach     *vad.Machine
	coord    *turntaking.Coordinator
	playback Playback

	chunksSeen int
	endReason  string

	welcomeArmed bool
	welcomeText  string

	// speakQueue/speakWake serialize every TTS + playback request behind a
	// single consumer goroutine so response tokens play in the order they
	// were produced and never overlap one another on the PCM port (§5).
	speakQueue *tts.Queue
	speakWake  chan struct{}
}

func New(deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = logging.NoOp{}
	}
	c := &Controller{
		deps:       deps,
		state:      StateIdle,
		speakQueue: tts.NewQueue(),
		speakWake:  make(chan struct{}, 1),
	}
	go c.speakLoop()
	return c
}

// SetMonitor wires the operator dashboard server in after construction,
// since building that server requires the Controller as its StatusProvider.
func (c *Controller) SetMonitor(m *monitor.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deps.Monitor = m
}

func (c *Controller) Status() monitor.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := monitor.Status{State: string(c.state)}
	if c.session != nil {
		st.CallID = c.session.ID
		st.ActiveSince = c.started.Unix()
	}
	return st
}

// Run watches the modem's unsolicited notifications and drives the state
// machine for as long as ctx is alive. One Controller per physical line,
// per §5's "one goroutine set per active call" model.
func (c *Controller) Run(ctx context.Context) error {
	watchErr := make(chan error, 1)
	go func() { watchErr <- c.deps.Modem.Watch(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-watchErr:
			// Watch only returns once its own reinit retries are exhausted
			// (three consecutive failures); surface that up so the process
			// exits for a supervisor restart instead of running on with no
			// unsolicited-notification watcher.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		case n := <-c.deps.Modem.Notifications():
			c.handleNotification(ctx, n)
		}
	}
}

func (c *Controller) handleNotification(ctx context.Context, n modem.Notification) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch n.Type {
	case modem.NotifyRing:
		if state == StateIdle {
			c.enterRinging(ctx, n)
		}
	case modem.NotifyCLIP:
		c.mu.Lock()
		if c.session != nil {
			c.session.CallerID = n.CallerID
		}
		c.mu.Unlock()
	case modem.NotifyNoCarrier, modem.NotifyBusy:
		if state == StateAnswered || state == StateActive {
			c.enterEnded(ctx, "modem_hangup")
		}
	}
}

// enterRinging honors answer_after_rings == -1 as an immediate reject back
// to Idle, and otherwise waits the configured number of rings before
// answering. The caller id it passes on is the RING notification's, which
// is empty; the session's CallerID is set only when a +CLIP notification
// is handled while a session exists.
func (c *Controller) enterRinging(ctx context.Context, n modem.Notification) {
	c.setState(StateRinging)

	cfg := c.deps.ConfigSource()
	if cfg.AnswerAfterRings == gwcore.AnswerReject {
		c.setState(StateIdle)
		return
	}

	select {
	case <-time.After(cfg.AnswerAfterRings.WaitBeforeAnswer()):
	case <-ctx.Done():
		return
	}

	c.enterAnswered(ctx, n.CallerID, cfg)
}

func (c *Controller) enterAnswered(ctx context.Context, callerID string, cfg gwcore.VoiceConfig) {
	c.setState(StateAnswered)

	if err := c.deps.Modem.Answer(ctx); err != nil {
		c.deps.Logger.Warn("answer failed, aborting call setup", "error", err)
		c.deps.Webhook.Notify(ctx, webhook.EventCallFailed, "", "", map[string]string{"reason": "answer_failed"})
		c.recordTiming(callerID, "answer_failed", nil)
		c.setState(StateIdle)
		return
	}

	c.enterActive(ctx, callerID, cfg)
}

// enterActive creates the CallSession, starts C3/C4/C6/C8, opens the PCM
// channel after a settle wait, and arms the pending welcome message to be
// released once the caller has genuinely spoken (§4.9 Active row). Every
// goroutine it starts is bound to a context private to this one call, so
// ending the call (enterEnded) reliably stops them instead of leaving a
// prior call's capture loop running alongside the next one.
func (c *Controller) enterActive(ctx context.Context, callerID string, cfg gwcore.VoiceConfig) {
	callCtx, cancel := context.WithCancel(ctx)

	session := gwcore.NewCallSession(uuid.NewString(), callerID, cfg)

	coord := turntaking.New(session.Flags)

	var pb Playback
	if c.deps.PlaybackFactory != nil {
		pb = c.deps.PlaybackFactory(session, coord)
	} else {
		pb = c.deps.Playback
	}

	c.mu.Lock()
	c.session = session
	c.started = time.Now()
	c.chunksSeen = 0
	c.coord = coord
	c.playback = pb
	c.framer = vad.NewFramer(cfg.SampleRate())
	c.mach = vad.NewMachine(cfg)
	c.welcomeArmed = true
	c.welcomeText = cfg.WelcomeMessage
	c.callCancel = cancel
	c.mu.Unlock()

	c.setState(StateActive)
	c.deps.Webhook.Notify(ctx, webhook.EventCallStarted, session.ID, session.ID, nil)
	c.recordTiming(session.ID, "call_started", map[string]string{"caller_id": callerID})

	select {
	case <-time.After(settleWait):
	case <-callCtx.Done():
		return
	}

	if err := c.deps.Modem.SetPCMRegistration(callCtx, true); err != nil {
		c.deps.Logger.Warn("pcm registration failed", "error", err)
		c.enterEnded(ctx, "pcm_registration_failed")
		return
	}

	classifier := vad.NewRMSClassifier(0.02)
	go c.captureLoop(callCtx, classifier)
}

// captureLoop reads PCM off the port, frames it, classifies each frame, and
// feeds the utterance state machine, dispatching chunks, handling noise
// timeouts, and releasing the armed welcome message the first tick the
// release gate is satisfied. It exits as soon as ctx (the call's own
// context) is cancelled.
func (c *Controller) captureLoop(ctx context.Context, classifier vad.Classifier) {
	buf := make([]byte, gwcore.FrameBytes(8000)*4)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := c.deps.PCMPort.Read(buf)
		if err != nil {
			c.deps.Logger.Warn("pcm read failed", "error", err)
			return
		}
		if n == 0 {
			continue
		}

		frames := c.framer.Push(buf[:n])
		for _, frame := range frames {
			isSpeech := classifier.IsSpeech(frame.PCM)
			if isSpeech {
				c.coord.MarkSpeechObserved()
			}

			ev := c.mach.Process(frame, isSpeech)
			switch {
			case ev.NoiseTimeout:
				c.coord.MarkSilenceDeclared()
				c.onNoiseTimeout()
			case ev.HasChunk:
				// Only an end-of-sentence chunk (final or end-signal-only)
				// declares the caller silent; a mid-utterance flush leaves
				// the utterance open.
				if ev.Chunk.EndSentence {
					c.coord.MarkSilenceDeclared()
				}
				c.onChunk(ctx, ev.Chunk)
			}
		}
	}
}

func (c *Controller) onChunk(ctx context.Context, chunk gwcore.Chunk) {
	c.mu.Lock()
	session := c.session
	c.chunksSeen++
	c.mu.Unlock()
	if session == nil {
		return
	}

	session.MarkSpeech(time.Duration(chunk.DurationS * float64(time.Second)))
	if chunk.EndSentence {
		session.MarkEndSignalSent()
	}

	if err := c.deps.Dispatcher.Enqueue(dialog.Request{Session: session, Chunk: chunk}); err != nil {
		c.deps.Logger.Warn("dispatch enqueue failed", "error", err)
	}

	c.maybeReleaseWelcome(ctx, session)
}

// onNoiseTimeout handles T_max: the buffered audio was already discarded by
// the state machine, so this bypasses the dialog service entirely and
// speaks a fixed high-priority prompt instead.
func (c *Controller) onNoiseTimeout() {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session != nil {
		c.recordTiming(session.ID, "speech_noise_timeout", nil)
	}
	c.enqueueSpeak(tooNoisyPhrase, tts.High)
}

// recordTiming is a nil-safe convenience wrapper around deps.Timing.Record.
func (c *Controller) recordTiming(callID, name string, data interface{}) {
	if c.deps.Timing != nil {
		c.deps.Timing.Record(callID, name, data)
	}
}

// maybeReleaseWelcome implements the Active-row release predicate exactly:
// caller_has_spoken AND end_signal_sent AND speech_duration >= 680ms.
func (c *Controller) maybeReleaseWelcome(ctx context.Context, session *gwcore.CallSession) {
	c.mu.Lock()
	armed := c.welcomeArmed
	text := c.welcomeText
	c.mu.Unlock()

	if !armed || !session.ReadyForWelcomeRelease() {
		return
	}

	c.mu.Lock()
	c.welcomeArmed = false
	c.mu.Unlock()

	c.enqueueSpeak(text, tts.High)
}

// enqueueSpeak pushes one synthesis request onto the shared speak queue and
// wakes the single consumer goroutine that drains it, guaranteeing that no
// two speak requests for this controller ever synthesize or play back
// concurrently.
func (c *Controller) enqueueSpeak(text string, priority tts.Priority) {
	c.speakQueue.Push(tts.SpeakJob{Text: text, Priority: priority})
	select {
	case c.speakWake <- struct{}{}:
	default:
	}
}

// speakLoop is the controller's single long-lived speak consumer: it wakes
// whenever enqueueSpeak signals work is available and drains the queue
// completely, strictly one job at a time, before going back to sleep.
func (c *Controller) speakLoop() {
	for range c.speakWake {
		for {
			job, ok := c.speakQueue.Pop()
			if !ok {
				break
			}
			c.mu.Lock()
			session := c.session
			pb := c.playback
			c.mu.Unlock()
			if session == nil || pb == nil {
				continue
			}
			c.performSpeak(session, pb, job.Text, job.Priority)
		}
	}
}

// performSpeak synthesizes one piece of text and plays it back. It always
// runs on the speakLoop goroutine, never concurrently with another call to
// itself.
func (c *Controller) performSpeak(session *gwcore.CallSession, pb Playback, text string, priority tts.Priority) {
	res, err := c.deps.TTS.Speak(context.Background(), session, text, priority)
	if err != nil {
		c.deps.Logger.Warn("tts synthesis failed", "error", err)
		return
	}
	if err := pb.Play(context.Background(), res.Path); err != nil {
		c.deps.Logger.Warn("playback failed", "error", err)
	}
}

// OnResponseToken is wired as dialog.Dispatcher.OnResponseToken: each split
// sentence from a dialog-service reply (or the fixed fallback) becomes one
// sequential TTS + playback request, enqueued in the order it arrives.
func (c *Controller) OnResponseToken(session *gwcore.CallSession, token string, highPriority bool) {
	priority := tts.Normal
	if highPriority {
		priority = tts.High
	}
	c.enqueueSpeak(token, priority)
}

// enterEnded stops the capture path, tears the PCM/AT state back down,
// persists the CDR row, and posts the call_ended webhook (§4.9 Ended row).
// It is idempotent: a second call (e.g. a notification racing the natural
// end-of-call path) is a no-op.
func (c *Controller) enterEnded(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.state == StateEnded || c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	session := c.session
	chunks := c.chunksSeen
	started := c.started
	cancel := c.callCancel
	c.endReason = reason
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.setState(StateEnded)

	c.mu.Lock()
	pb := c.playback
	c.mu.Unlock()
	if pb != nil {
		pb.Drain()
	}

	_ = c.deps.Modem.SetPCMRegistration(ctx, false)
	_ = c.deps.Modem.Hangup(ctx)

	if session != nil {
		if c.deps.CDR != nil {
			rec := cdr.Record{
				CallID:    session.ID,
				CallerID:  session.CallerID,
				StartedAt: started,
				EndedAt:   time.Now(),
				Chunks:    chunks,
				EndReason: reason,
			}
			if err := c.deps.CDR.Append(ctx, rec); err != nil {
				c.deps.Logger.Warn("cdr append failed", "error", err)
			}
		}
		c.deps.Webhook.Notify(ctx, webhook.EventCallEnded, session.ID, session.ID, map[string]string{"reason": reason})
		c.recordTiming(session.ID, "call_ended", map[string]interface{}{
			"reason":      reason,
			"chunks":      chunks,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		if c.deps.Monitor != nil {
			c.deps.Monitor.Publish(monitor.Event{Type: "call_ended", CallID: session.ID, Timestamp: time.Now().Unix()})
		}
	}

	c.mu.Lock()
	c.session = nil
	c.callCancel = nil
	c.mu.Unlock()
	c.setState(StateIdle)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.deps.Monitor != nil {
		c.deps.Monitor.Publish(monitor.Event{Type: fmt.Sprintf("state_%s", s), Timestamp: time.Now().Unix()})
	}
}
