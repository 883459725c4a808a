// Package serial wraps the two physical lines a SIM7600-class modem
// exposes: the AT command port and the raw-PCM audio port. Both are plain
// byte streams; framing into AT responses or 20ms audio frames happens one
// layer up (pkg/modem, pkg/vad).
package serial

import (
	"context"
	"errors"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal byte-stream contract both the AT port and the PCM
// port satisfy. A real port is backed by go.bug.st/serial; tests and the
// malgo-backed development PCM port use in-memory/duplex-device
// implementations instead.
type Port interface {
	io.ReadWriter
	io.Closer
	SetReadTimeout(d time.Duration) error
}

// Config describes how to open one physical line.
type Config struct {
	Device   string
	BaudRate int
}

type realPort struct {
	port serial.Port
}

// Open opens a real UART device via go.bug.st/serial, the standard
// cross-platform serial library (no vendored serial-port package appears
// anywhere in the example pack for an actual UART device — see DESIGN.md).
func Open(cfg Config) (Port, error) {
	mode := &serial.Mode{BaudRate: cfg.BaudRate}
	p, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, err
	}
	// A short read timeout keeps ReadLine polling ctx instead of blocking
	// inside Read.
	if err := p.SetReadTimeout(10 * time.Millisecond); err != nil {
		p.Close()
		return nil, err
	}
	return &realPort{port: p}, nil
}

func (r *realPort) Read(p []byte) (int, error)  { return r.port.Read(p) }
func (r *realPort) Write(p []byte) (int, error) { return r.port.Write(p) }
func (r *realPort) Close() error                { return r.port.Close() }

func (r *realPort) SetReadTimeout(d time.Duration) error {
	return r.port.SetReadTimeout(d)
}

// ReadLine busy-polls Read until a '\n'-terminated line is assembled or ctx
// is done, matching the AT session's framed request/response protocol
// (§4.2/§6). Short read timeouts on the port let this loop check ctx
// promptly instead of blocking indefinitely.
func ReadLine(ctx context.Context, p Port, buf []byte) (string, []byte, error) {
	for {
		select {
		case <-ctx.Done():
			return "", buf, ctx.Err()
		default:
		}

		if i := indexByte(buf, '\n'); i >= 0 {
			line := buf[:i]
			rest := buf[i+1:]
			return trimCR(line), rest, nil
		}

		tmp := make([]byte, 256)
		n, err := p.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			continue
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			// A timeout is expected (poll interval); anything else is fatal.
			if !isTimeout(err) {
				return "", buf, err
			}
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func trimCR(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\r' || s[len(s)-1] == '\n') {
		s = s[:len(s)-1]
	}
	return s
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}
