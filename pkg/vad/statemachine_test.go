package vad

import (
	"testing"
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
	"pgregory.net/rapid"
)

func cfg() gwcore.VoiceConfig {
	c := gwcore.DefaultVoiceConfig()
	return c
}

func frameAt(t time.Time) gwcore.Frame {
	return gwcore.Frame{PCM: make([]byte, gwcore.FrameBytes(8000)), Timestamp: t}
}

func TestUtteranceEndsAfterSilenceTimeout(t *testing.T) {
	m := NewMachine(cfg())
	now := time.Now()

	for i := 0; i < 15; i++ {
		now = now.Add(20 * time.Millisecond)
		if ev := m.Process(frameAt(now), true); ev.HasChunk {
			t.Fatalf("unexpected chunk while still speaking")
		}
	}

	var lastChunk gwcore.Chunk
	var gotEnd bool
	silenceFrames := int(cfg().SilenceTimeout()/(20*time.Millisecond)) + 2
	for i := 0; i < silenceFrames; i++ {
		now = now.Add(20 * time.Millisecond)
		ev := m.Process(frameAt(now), false)
		if ev.HasChunk && ev.Chunk.EndSentence {
			lastChunk, gotEnd = ev.Chunk, true
			break
		}
	}

	if !gotEnd {
		t.Fatalf("expected utterance to end after silence timeout")
	}
	if !lastChunk.EndSentence {
		t.Fatalf("expected final chunk to carry EndSentence")
	}
}

// TestChunkNumbersMonotonic is a property-based check (matching the
// pgregory.net/rapid style already in the example pack) that audio-bearing
// chunk numbers increase one at a time starting at 1, and that any
// end-signal-only chunk reuses the most recently allocated audio chunk_num
// rather than skipping ahead.
func TestChunkNumbersMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := NewMachine(cfg())
		now := time.Now()
		pattern := rapid.SliceOfN(rapid.Bool(), 5, 400).Draw(rt, "pattern")

		expected := 1
		lastAudioNum := 0
		for _, isSpeech := range pattern {
			now = now.Add(20 * time.Millisecond)
			ev := m.Process(frameAt(now), isSpeech)
			if !ev.HasChunk {
				continue
			}
			if ev.Chunk.EndSignalOnly {
				if lastAudioNum == 0 {
					rt.Fatalf("end-signal-only chunk with no prior audio chunk")
				}
				if ev.Chunk.ChunkNum != lastAudioNum {
					rt.Fatalf("end-signal chunk_num %d does not reuse last audio chunk_num %d", ev.Chunk.ChunkNum, lastAudioNum)
				}
				continue
			}
			if ev.Chunk.ChunkNum != expected {
				rt.Fatalf("chunk number gap: got %d want %d", ev.Chunk.ChunkNum, expected)
			}
			lastAudioNum = ev.Chunk.ChunkNum
			expected++
		}
	})
}
