package vad

import (
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
)

// Framer slices a continuous PCM byte stream into fixed 20ms frames (320
// bytes at 8kHz, 640 at 16kHz per §3).
type Framer struct {
	frameBytes int
	buf        []byte
}

func NewFramer(sampleRate int) *Framer {
	return &Framer{frameBytes: gwcore.FrameBytes(sampleRate)}
}

// Push appends newly captured PCM and returns every complete frame it can
// assemble; any partial tail is kept for the next call.
func (f *Framer) Push(pcm []byte) []gwcore.Frame {
	f.buf = append(f.buf, pcm...)

	var frames []gwcore.Frame
	for len(f.buf) >= f.frameBytes {
		frame := make([]byte, f.frameBytes)
		copy(frame, f.buf[:f.frameBytes])
		f.buf = f.buf[f.frameBytes:]
		frames = append(frames, gwcore.Frame{PCM: frame, Timestamp: time.Now()})
	}
	return frames
}
