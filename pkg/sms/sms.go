// Package sms stands in for the outbound SMS queue and handler, an
// explicit Non-goal (§1): only the contract the rest of the pipeline would
// call through is implemented, grounded on original_source/SMS_Gateway's
// send endpoint shape, never its delivery machinery.
package sms

import (
	"context"

	"github.com/voicegw/callpipeline/pkg/logging"
)

// Sender is the narrow interface a future SMS integration would satisfy.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// NoopSender logs the message it would have sent and returns nil, keeping
// any caller that depends on Sender functional without a real gateway.
type NoopSender struct {
	Logger logging.Logger
}

func (s NoopSender) Send(ctx context.Context, to, body string) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.NoOp{}
	}
	logger.Info("sms send skipped, no gateway configured", "to", to, "body", body)
	return nil
}
