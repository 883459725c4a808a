// Package webhook implements the outbound call-event notifier (§6):
// `POST {vps_webhook}` with `{event, callId, sessionId, timestamp, data}`.
// The receiving side (the VPS monitoring webhook itself) is out of scope —
// this package only ever originates requests.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/voicegw/callpipeline/pkg/logging"
)

// Event names the call controller posts.
type Event string

const (
	EventCallStarted Event = "call_started"
	EventCallEnded    Event = "call_ended"
	EventCallFailed   Event = "call_failed"
)

type payload struct {
	Event     Event       `json:"event"`
	CallID    string      `json:"callId"`
	SessionID string      `json:"sessionId"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Client posts call-event notifications, best-effort: a failed webhook
// never affects call state, matching §7's "via webhook event" column being
// informational rather than part of the recovery policy.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     logging.Logger
}

func New(endpoint string, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// Notify posts one event. Errors are logged, never returned to the caller,
// since the call controller must never block call teardown on the
// monitoring plane being reachable.
func (c *Client) Notify(ctx context.Context, event Event, callID, sessionID string, data interface{}) {
	if c.endpoint == "" {
		return
	}

	body, err := json.Marshal(payload{
		Event:     event,
		CallID:    callID,
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
		Data:      data,
	})
	if err != nil {
		c.logger.Warn("failed to marshal webhook payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("failed to build webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("webhook delivery failed", "event", event, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Warn("webhook endpoint rejected event", "event", event, "status", resp.StatusCode)
	}
}
