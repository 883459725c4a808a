package vad

import (
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
)

// State is one of the three phases an utterance passes through.
type State int

const (
	StateSilence State = iota
	StateSpeech
	StatePostSpeechSilence
)

const minSpeechDuration = 550 * time.Millisecond    // T_audio: shortest pause that can flush a mid-utterance chunk
const phrasePause = 350 * time.Millisecond          // T_phrase: silence gate inside the progressive-chunk rule
const longSpeechThreshold = 4500 * time.Millisecond // T_long: speech run length that unlocks progressive chunking
const minSpeechFrames = 10                          // frames of confirmed speech required before any chunk fires

// Event is what one Process call reports back to the caller. At most one of
// HasChunk/NoiseTimeout is ever set: a noise timeout never allocates a
// chunk_num or carries audio, it only asks for the fixed too-noisy prompt.
type Event struct {
	Chunk        gwcore.Chunk
	HasChunk     bool
	NoiseTimeout bool
}

// Machine is the Utterance State Machine (C4). It is independent of the
// classifier: callers feed it (frame, isSpeech) pairs and it alone owns
// timing and chunk emission, per the statelessness requirement on
// classification.
type Machine struct {
	silenceTimeout    time.Duration // T_end
	maxSpeechDuration time.Duration // T_max
	sampleRate        int

	state          State
	speechStart    time.Time
	silenceStart   time.Time
	lastChunkAt    time.Time
	speechFrames   int
	silenceFrames  int
	audioChunkSent bool // true once a chunk carrying audio has fired for the current utterance
	nextChunkNum   int
	buf            []byte
}

// NewMachine builds a state machine from a call's voice config thresholds:
// T_end and T_max come from the config, while T_audio, T_phrase and T_long
// are the package constants above, so the config's phrase_pause_ms and
// long_speech_threshold_ms are not read here.
func NewMachine(cfg gwcore.VoiceConfig) *Machine {
	return &Machine{
		silenceTimeout:    cfg.SilenceTimeout(),
		maxSpeechDuration: cfg.MaxSpeechDuration(),
		sampleRate:        cfg.SampleRate(),
		nextChunkNum:      1,
	}
}

// Process advances the state machine by one 20ms frame and reports whatever
// this frame causes: a chunk to dispatch, a noise timeout, or nothing.
func (m *Machine) Process(frame gwcore.Frame, isSpeech bool) Event {
	now := frame.Timestamp

	switch m.state {
	case StateSilence:
		if isSpeech {
			m.state = StateSpeech
			m.speechStart = now
			m.lastChunkAt = now
			m.speechFrames = 1
			m.silenceFrames = 0
			m.audioChunkSent = false
			m.buf = append(m.buf[:0], frame.PCM...)
		}
		return Event{}

	case StateSpeech, StatePostSpeechSilence:
		m.buf = append(m.buf, frame.PCM...)
		if isSpeech {
			m.speechFrames++
			m.silenceFrames = 0
			if m.state == StatePostSpeechSilence {
				m.audioChunkSent = false
			}
			m.state = StateSpeech
		} else {
			m.silenceFrames++
			if m.state == StateSpeech {
				m.state = StatePostSpeechSilence
				m.silenceStart = now
			}
		}
		return m.evaluate(now)
	}

	return Event{}
}

// evaluate applies the tie-break order T_max -> progressive chunk ->
// T_audio -> T_end: the first condition that holds decides what happens
// this tick.
func (m *Machine) evaluate(now time.Time) Event {
	speechDuration := now.Sub(m.speechStart)

	if speechDuration >= m.maxSpeechDuration {
		return m.noiseTimeout()
	}

	if m.progressiveChunkReady(now) {
		return m.flush(now)
	}

	if m.state != StatePostSpeechSilence {
		return Event{}
	}

	silenceDuration := now.Sub(m.silenceStart)

	if !m.audioChunkSent && silenceDuration >= minSpeechDuration && m.speechFrames >= minSpeechFrames {
		return m.flush(now)
	}

	if silenceDuration >= m.silenceTimeout {
		return m.finalize(now)
	}

	return Event{}
}

// progressiveChunkReady implements the pinned interpretation of the
// progressive-chunk cadence: the caller has been speaking continuously for
// at least T_long, at least T_long has elapsed since the last chunk was
// cut, and a short phrase-boundary pause has been observed.
func (m *Machine) progressiveChunkReady(now time.Time) bool {
	if now.Sub(m.speechStart) < longSpeechThreshold {
		return false
	}
	if now.Sub(m.lastChunkAt) < longSpeechThreshold {
		return false
	}
	return time.Duration(m.silenceFrames)*20*time.Millisecond >= phrasePause
}

// flush cuts the buffered PCM into a non-final chunk. It neither ends the
// utterance nor touches state: a subsequent speech frame is still free to
// return the machine from PostSpeechSilence to Speech on its own.
func (m *Machine) flush(now time.Time) Event {
	if len(m.buf) == 0 {
		return Event{}
	}
	c := m.newChunk(false, false)
	m.buf = m.buf[:0]
	m.lastChunkAt = now
	m.audioChunkSent = true
	return Event{Chunk: c, HasChunk: true}
}

// finalize ends the utterance at T_end. If an audio chunk already fired for
// this utterance, the caller only needs an end signal: chunk_num is reused
// and no audio is re-sent. Otherwise this is the only chunk the utterance
// ever produces and it carries both the audio and the end signal.
func (m *Machine) finalize(now time.Time) Event {
	var c gwcore.Chunk
	if m.audioChunkSent {
		c = gwcore.Chunk{
			ChunkNum:      m.nextChunkNum - 1,
			EndSentence:   true,
			EndSignalOnly: true,
		}
	} else {
		c = m.newChunk(true, len(m.buf) == 0)
	}
	m.reset()
	return Event{Chunk: c, HasChunk: true}
}

// noiseTimeout fires at T_max: the buffered audio is discarded unsent, no
// chunk_num is allocated, and the caller is expected to speak a fixed
// too-noisy prompt instead of dispatching anything to the dialog service.
func (m *Machine) noiseTimeout() Event {
	m.reset()
	return Event{NoiseTimeout: true}
}

func (m *Machine) newChunk(endSentence, endSignalOnly bool) gwcore.Chunk {
	pcm := make([]byte, len(m.buf))
	copy(pcm, m.buf)
	chunkNum := m.nextChunkNum
	m.nextChunkNum++
	sampleRate := m.sampleRate
	if sampleRate == 0 {
		sampleRate = 8000
	}
	return gwcore.Chunk{
		ChunkNum:      chunkNum,
		PCM:           pcm,
		DurationS:     float64(len(pcm)) / 2 / float64(sampleRate),
		EndSentence:   endSentence,
		EndSignalOnly: endSignalOnly,
	}
}

func (m *Machine) reset() {
	m.state = StateSilence
	m.speechFrames = 0
	m.silenceFrames = 0
	m.audioChunkSent = false
	m.buf = m.buf[:0]
}

// NextChunkNum exposes the next chunk sequence number, used by tests
// asserting the gap-free-increasing invariant over audio-bearing chunks.
func (m *Machine) NextChunkNum() int { return m.nextChunkNum }
