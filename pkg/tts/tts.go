// Package tts implements the TTS Client + Cache (C7): speak(text, voice,
// format, priority) against a local TTS engine, backed by a content
// addressed cache keyed on (normalized_text, audio_format, voice). This is
// the teacher's pkg/providers/tts/lokutor.go client/cache shape, adapted
// from a cloud websocket TTS provider to a local HTTP engine with a
// staging directory and a persistent cache the teacher never had.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
	"github.com/voicegw/callpipeline/pkg/logging"
)

// Priority controls queue ordering; High requests drain ahead of Normal
// ones (§4.7).
type Priority int

const (
	Normal Priority = iota
	High
)

// Result is what Speak returns: where the PCM bytes can be read from and
// whether the cache was hit (zero HTTP calls on a hit, §8 testable
// property).
type Result struct {
	Path      string
	FromCache bool
}

// engineRequest mirrors the TTS engine HTTP contract (§6) exactly: voice is
// deliberately absent from the wire body, since the engine needs only the
// call/session identity, the text, and the format; voice selection only
// matters locally, for the cache key. The engine's HTTP response is just an
// acknowledgement — the synthesized PCM itself arrives later, asynchronously,
// as a file in the staging directory (§4.7/§9), not in this response body.
type engineRequest struct {
	CallID      string `json:"callId"`
	SessionID   string `json:"sessionId"`
	Text        string `json:"text"`
	Action      string `json:"action"`
	Priority    string `json:"priority"`
	Language    string `json:"language"`
	AudioFormat string `json:"audio_format"`
}

func (p Priority) wireString() string {
	if p == High {
		return "high"
	}
	return "normal"
}

// Client talks to the local TTS engine and manages the on-disk artifact
// cache.
type Client struct {
	engineURL  string
	cacheRoot  string
	httpClient *http.Client
	logger     logging.Logger
	poller     *stagingPoller

	mu sync.Mutex
}

// New builds a Client that watches stagingDir for the engine's
// asynchronously-written PCM files (§4.7/§6). Start must be called once to
// begin polling before the first Speak call that can miss the cache.
func New(engineURL, cacheRoot, stagingDir string, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Client{
		engineURL:  engineURL,
		cacheRoot:  cacheRoot,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		poller:     newStagingPoller(stagingDir, 50*time.Millisecond, logger),
	}
}

// Start runs the staging-directory poller until ctx is cancelled. It is a
// separate step from New so tests can drive the poller's scan deterministically.
func (c *Client) Start(ctx context.Context) {
	go c.poller.run(ctx)
}

// Speak returns the cached artifact if present; otherwise it POSTs to the
// local engine and waits for the engine's asynchronously-staged PCM file to
// appear (§4.7/§9's in-process "artifact ready" channel, fed by the
// filesystem poller), then persists a copy to the cache path. voice/format/
// language are read off the session's voice config, and callId/sessionId
// both carry the call's own id (the pipeline never distinguishes a session
// from its call).
func (c *Client) Speak(ctx context.Context, session *gwcore.CallSession, text string, priority Priority) (Result, error) {
	voice := session.Config.VoiceSettings.Voice
	format := session.Config.AudioFormat

	artifact := gwcore.ArtifactKey(text, format, voice)
	cachePath := artifact.Path(c.cacheRoot)

	if _, err := os.Stat(cachePath); err == nil {
		return Result{Path: cachePath, FromCache: true}, nil
	}

	if err := c.requestSynthesis(ctx, session, text, format, priority); err != nil {
		return Result{}, gwcore.NewCallError(gwcore.ErrorTTSEngine, err)
	}

	stagingPath, err := c.poller.waitFor(ctx, session.ID)
	if err != nil {
		return Result{}, gwcore.NewCallError(gwcore.ErrorTTSEngine, err)
	}

	if err := c.persistToCache(stagingPath, cachePath); err != nil {
		c.logger.Warn("failed to persist tts artifact to cache", "error", err)
	}

	return Result{Path: stagingPath, FromCache: false}, nil
}

// requestSynthesis POSTs the speak request and confirms the engine
// accepted it; the PCM itself is picked up later from the staging
// directory, not from this response.
func (c *Client) requestSynthesis(ctx context.Context, session *gwcore.CallSession, text string, format gwcore.AudioFormat, priority Priority) error {
	payload, err := json.Marshal(engineRequest{
		CallID:      session.ID,
		SessionID:   session.ID,
		Text:        text,
		Action:      "speak",
		Priority:    priority.wireString(),
		Language:    string(session.Config.Language),
		AudioFormat: string(format),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.engineURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tts engine returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// persistToCache copies the staged artifact into the cache using
// atomic create-temp+rename semantics, matching the Config Cache's write
// discipline (§4.10) applied here to artifacts instead of config.
func (c *Client) persistToCache(stagingPath, cachePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(stagingPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return err
	}

	tmp := cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, cachePath)
}
