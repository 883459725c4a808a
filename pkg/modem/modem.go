// Package modem implements the AT Session component (C2): a framed
// request/response protocol over the AT serial port, plus parsing of the
// modem's unsolicited notifications (RING, +CLIP, NO CARRIER, BUSY, ERROR).
package modem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
	"github.com/voicegw/callpipeline/pkg/logging"
	gwserial "github.com/voicegw/callpipeline/pkg/serial"
)

// NotificationType enumerates the unsolicited lines a modem can emit
// outside of a command/response exchange.
type NotificationType string

const (
	NotifyRing      NotificationType = "RING"
	NotifyCLIP      NotificationType = "+CLIP"
	NotifyNoCarrier NotificationType = "NO CARRIER"
	NotifyBusy      NotificationType = "BUSY"
	NotifyError     NotificationType = "ERROR"
)

// Notification is one unsolicited line from the modem, parsed into a type
// plus its raw payload (e.g. the CallerID digits for +CLIP).
type Notification struct {
	Type     NotificationType
	CallerID string
	Raw      string
}

// Session owns the AT port and serializes command/response exchanges while
// fanning unsolicited lines out to Notifications().
//
// ioMu is the "single in-flight request mutex" §4.1/§6 requires: Send holds
// it for the entire duration of one command/response exchange, and Watch
// only ever holds it for the bounded span of a single read attempt (via a
// short per-attempt deadline) so it yields promptly to a pending Send
// instead of racing it for s.port/s.readBuf.
type Session struct {
	logger logging.Logger
	devCfg gwserial.Config

	notifications chan Notification

	ioMu    sync.Mutex
	port    gwserial.Port
	readBuf []byte
}

func NewSession(port gwserial.Port, devCfg gwserial.Config, logger logging.Logger) *Session {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Session{
		port:          port,
		devCfg:        devCfg,
		logger:        logger,
		notifications: make(chan Notification, 32),
	}
}

func (s *Session) Notifications() <-chan Notification {
	return s.notifications
}

// Send issues one AT command and waits for its terminal response line
// ("OK"/"ERROR", or a prefixed data line for query commands), while any
// unsolicited line observed in between is routed to Notifications()
// instead of being mistaken for the command's response.
func (s *Session) Send(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.sendLocked(ctx, cmd, timeout)
}

// sendLocked is Send's body: it runs the exchange via sendRaw and, on a
// genuine I/O error (not just this command's own timeout), reinitializes
// the session before returning. Callers must already hold ioMu.
func (s *Session) sendLocked(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	data, err := s.sendRaw(ctx, cmd, timeout)
	var ioErr ioError
	if errors.As(err, &ioErr) && isGenuineIOError(ioErr.cause) {
		s.reinitOnIOError(ctx, ioErr.cause)
	}
	return data, err
}

// ioError marks an error returned by sendRaw as originating from the
// transport itself (port write/read failure) rather than a modem-level
// rejection (ERROR/+CME ERROR), so sendLocked knows when reinit applies.
type ioError struct {
	cause error
}

func (e ioError) Error() string { return e.cause.Error() }
func (e ioError) Unwrap() error { return e.cause }

// sendRaw writes one AT command and waits for its terminal response line,
// without any reinit side effects; initLocked uses this directly so a
// failure while replaying the startup sequence during reinit does not
// recursively trigger another reinit.
func (s *Session) sendRaw(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := s.port.Write([]byte(cmd + "\r\n")); err != nil {
		return "", gwcore.NewCallError(gwcore.ErrorModemTransient, ioError{err})
	}

	for {
		line, rest, err := gwserial.ReadLine(cctx, s.port, s.readBuf)
		s.readBuf = rest
		if err != nil {
			return "", gwcore.NewCallError(gwcore.ErrorModemTransient, ioError{err})
		}
		if line == "" {
			continue
		}
		if n, ok := classifyUnsolicited(line); ok {
			s.deliver(n)
			continue
		}
		if line == "OK" {
			return line, nil
		}
		if line == "ERROR" || strings.HasPrefix(line, "+CME ERROR") {
			return line, fmt.Errorf("modem rejected %q: %s", cmd, line)
		}
		// Data line for a query command (e.g. +CNSMOD:); keep reading until OK.
		data := line
		okLine, rest2, err := gwserial.ReadLine(cctx, s.port, s.readBuf)
		s.readBuf = rest2
		if err != nil {
			return data, gwcore.NewCallError(gwcore.ErrorModemTransient, ioError{err})
		}
		if okLine == "OK" {
			return data, nil
		}
		s.deliver(Notification{Type: NotifyError, Raw: okLine})
		return data, nil
	}
}

func (s *Session) deliver(n Notification) {
	select {
	case s.notifications <- n:
	default:
		s.logger.Warn("dropping unsolicited notification, channel full", "type", n.Type)
	}
}

// watchAttemptBudget bounds how long a single Watch read attempt may hold
// ioMu, so an idle modem (nothing to read) never starves a pending Send.
const watchAttemptBudget = 50 * time.Millisecond

// Watch runs a blocking loop that reads lines from the port purely looking
// for unsolicited notifications (used while idle, between commands), until
// ctx is cancelled. It shares the port and read buffer with Send, so each
// attempt acquires ioMu only for one bounded read, not for the whole loop.
func (s *Session) Watch(ctx context.Context) error {
	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lctx, cancel := context.WithTimeout(ctx, watchAttemptBudget)
		s.ioMu.Lock()
		line, rest, err := gwserial.ReadLine(lctx, s.port, s.readBuf)
		s.readBuf = rest
		if err != nil && isGenuineIOError(err) {
			reErr := s.reinitLocked(ctx)
			s.ioMu.Unlock()
			cancel()
			if reErr != nil {
				consecutiveFailures++
				s.logger.Warn("modem reinit failed", "attempt", consecutiveFailures, "error", reErr)
				if consecutiveFailures >= 3 {
					return gwcore.NewCallError(gwcore.ErrorModemTransient, reErr)
				}
				continue
			}
			consecutiveFailures = 0
			continue
		}
		s.ioMu.Unlock()
		cancel()

		if err != nil {
			// Attempt-local deadline expired with no full line buffered yet;
			// not a failure, just nothing to report this round.
			continue
		}
		if line == "" {
			continue
		}
		if n, ok := classifyUnsolicited(line); ok {
			s.deliver(n)
		}
	}
}

// isGenuineIOError reports whether err is a real transport failure rather
// than the expected per-attempt deadline Watch uses to cooperate with Send.
func isGenuineIOError(err error) bool {
	return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}

// reinitOnIOError is Send's error path: it already holds ioMu for the
// whole exchange, so it can swap the port and replay the startup sequence
// directly without any extra locking.
func (s *Session) reinitOnIOError(ctx context.Context, cause error) {
	if err := s.reinitLocked(ctx); err != nil {
		s.logger.Warn("modem reinit failed", "cause", cause, "error", err)
	}
}

// reinitLocked closes the current port, reopens it against the stored
// device config, and replays the startup sequence. Callers must already
// hold ioMu.
func (s *Session) reinitLocked(ctx context.Context) error {
	s.logger.Warn("modem I/O error, reinitializing AT session", "device", s.devCfg.Device)

	if s.port != nil {
		_ = s.port.Close()
	}

	newPort, err := gwserial.Open(s.devCfg)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", s.devCfg.Device, err)
	}
	s.port = newPort
	s.readBuf = nil

	if err := s.initLocked(ctx); err != nil {
		return fmt.Errorf("replay startup sequence: %w", err)
	}
	s.logger.Info("modem session reinitialized", "device", s.devCfg.Device)
	return nil
}

func classifyUnsolicited(line string) (Notification, bool) {
	switch {
	case line == "RING":
		return Notification{Type: NotifyRing, Raw: line}, true
	case strings.HasPrefix(line, "+CLIP:"):
		return Notification{Type: NotifyCLIP, CallerID: parseCLIP(line), Raw: line}, true
	case line == "NO CARRIER":
		return Notification{Type: NotifyNoCarrier, Raw: line}, true
	case line == "BUSY":
		return Notification{Type: NotifyBusy, Raw: line}, true
	default:
		return Notification{}, false
	}
}

// parseCLIP extracts the caller number from a `+CLIP: "<number>",145` line.
func parseCLIP(line string) string {
	parts := strings.SplitN(line, "\"", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

const cmdTimeout = 5 * time.Second

// Init runs the fixed startup command sequence (§6): disable echo, fix the
// baud rate, disable sleep, set volume, enable caller ID and extended ring
// reporting (+CRC), and query the current network mode.
func (s *Session) Init(ctx context.Context) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.initLocked(ctx)
}

func (s *Session) initLocked(ctx context.Context) error {
	seq := []string{"AT", "ATE0", "AT+IPR=115200", "AT+CSCLK=0", "AT+CLVL=5", "AT+CLIP=1", "AT+CRC=1"}
	for _, c := range seq {
		if _, err := s.sendRaw(ctx, c, cmdTimeout); err != nil {
			return gwcore.NewCallError(gwcore.ErrorModemTransient, err)
		}
	}
	if _, err := s.sendRaw(ctx, "AT+CNSMOD?", cmdTimeout); err != nil {
		return gwcore.NewCallError(gwcore.ErrorModemTransient, err)
	}
	return nil
}

// SetAutoAnswer configures ATS0=n (n rings before auto-answer, 0 disables
// auto-answer so the controller drives ATA explicitly).
func (s *Session) SetAutoAnswer(ctx context.Context, rings int) error {
	_, err := s.Send(ctx, fmt.Sprintf("ATS0=%d", rings), cmdTimeout)
	return err
}

// SetPCMFormat selects the PCM sample format (0 = 8kHz narrowband, 1 =
// 16kHz wideband) via AT+CPCMFRM.
func (s *Session) SetPCMFormat(ctx context.Context, wideband bool) error {
	v := 0
	if wideband {
		v = 1
	}
	_, err := s.Send(ctx, fmt.Sprintf("AT+CPCMFRM=%d", v), cmdTimeout)
	return err
}

// answerTimeout is the tight read budget answer() is held to: no pre-delay,
// and ATA's OK is expected back almost immediately.
const answerTimeout = 300 * time.Millisecond

// Answer issues ATA to pick up an incoming call. If the modem instead
// responds BUSY, NO CARRIER, or ERROR, the call is reported lost and no
// error is returned to the caller as a retryable condition: enterAnswered
// treats any non-nil error here the same way.
func (s *Session) Answer(ctx context.Context) error {
	_, err := s.Send(ctx, "ATA", answerTimeout)
	if err != nil {
		return gwcore.NewCallError(gwcore.ErrorAnswerFailed, err)
	}
	return nil
}

// SetPCMRegistration enables (1) or disables (0) the PCM audio
// side-channel via AT+CPCMREG.
func (s *Session) SetPCMRegistration(ctx context.Context, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.Send(ctx, fmt.Sprintf("AT+CPCMREG=%d", v), cmdTimeout)
	return err
}

// Hangup issues ATH to terminate the current call. Idempotent: an ERROR
// response when no call is active is not treated as a failure.
func (s *Session) Hangup(ctx context.Context) error {
	_, err := s.Send(ctx, "ATH", cmdTimeout)
	if err != nil && !strings.Contains(err.Error(), "ERROR") {
		return gwcore.NewCallError(gwcore.ErrorModemTransient, err)
	}
	return nil
}

// NetworkMode parses the AT+CNSMOD? response's numeric mode code.
func NetworkMode(resp string) (int, error) {
	resp = strings.TrimPrefix(resp, "+CNSMOD: ")
	parts := strings.Split(resp, ",")
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed +CNSMOD response: %q", resp)
	}
	return strconv.Atoi(strings.TrimSpace(parts[1]))
}
