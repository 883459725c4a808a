package serial

import (
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// DevPCMPort is a hardware-free stand-in for the modem's PCM side-channel
// (C1), built on the host's default duplex sound device exactly the way
// the teacher's cmd/agent/main.go drives malgo for live mic capture and
// playback. It lets the whole pipeline run and be exercised without a
// SIM7600 attached.
type DevPCMPort struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	capture []byte
	playback []byte
}

// NewDevPCMPort opens the default duplex device at the given sample rate
// (8000 or 16000, matching VoiceConfig.SampleRate).
func NewDevPCMPort(sampleRate int) (*DevPCMPort, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}

	d := &DevPCMPort{ctx: mctx}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: d.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return nil, err
	}
	d.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return nil, err
	}

	return d, nil
}

func (d *DevPCMPort) onSamples(pOutput, pInput []byte, frameCount uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pInput != nil {
		d.capture = append(d.capture, pInput...)
	}
	if pOutput != nil {
		n := copy(pOutput, d.playback)
		d.playback = d.playback[n:]
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
	}
}

// Read drains captured microphone bytes; it never blocks callers forever,
// matching the busy-poll AT/PCM read contract the rest of the pipeline
// expects, but yields briefly when nothing is buffered yet so a capture
// loop spinning on Read doesn't pin a CPU core waiting on the sound card.
func (d *DevPCMPort) Read(p []byte) (int, error) {
	d.mu.Lock()
	n := copy(p, d.capture)
	d.capture = d.capture[n:]
	d.mu.Unlock()
	if n == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	return n, nil
}

// Write enqueues PCM bytes for playback.
func (d *DevPCMPort) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.playback = append(d.playback, p...)
	return len(p), nil
}

func (d *DevPCMPort) SetReadTimeout(time.Duration) error { return nil }

func (d *DevPCMPort) Close() error {
	if d.device != nil {
		d.device.Uninit()
	}
	if d.ctx != nil {
		d.ctx.Uninit()
	}
	return nil
}
