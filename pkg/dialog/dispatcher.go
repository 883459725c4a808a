// Package dialog implements the Dialog Dispatcher (C6): a bounded queue of
// utterance chunks, each transcoded to Opus and POSTed to the external
// dialog service, with a fixed localized fallback on failure and the
// response split into sequential TTS requests.
package dialog

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
	"github.com/voicegw/callpipeline/pkg/logging"
	"github.com/voicegw/callpipeline/pkg/transcript"
	"golang.org/x/time/rate"
)

const queueCapacity = 50

// Request is one chunk queued for dispatch.
type Request struct {
	Session *gwcore.CallSession
	Chunk   gwcore.Chunk
}

// wireMetadata mirrors the dialog HTTP contract's metadata object (§6).
type wireMetadata struct {
	Timestamp  int64 `json:"timestamp"`
	DurationMS int   `json:"duration_ms"`
	SampleRate int   `json:"sample_rate"`
}

type wireContextEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type wireRequest struct {
	CallID      string             `json:"call_id"`
	ChunkNumber int                `json:"chunk_number"`
	Audio       string             `json:"audio"`
	Language    string             `json:"language"`
	Context     []wireContextEntry `json:"context"`
	CallerID    string             `json:"caller_id"`
	Metadata    wireMetadata       `json:"metadata"`
}

// Response mirrors the dialog service's reply (§6): either the success
// envelope (`status:"success"`, `transcription`, `response`, `continue`)
// or the error envelope (`status:"error"`, `error`, `fallback_response`).
type Response struct {
	Status           string `json:"status"`
	Transcription    string `json:"transcription"`
	ResponseText     string `json:"response"`
	Continue         bool   `json:"continue"`
	Error            string `json:"error"`
	FallbackResponse string `json:"fallback_response"`
}

// wireResponse decodes the raw JSON envelope. Continue is a pointer
// because the error envelope in §6 never specifies it; absent, it reads as
// true. A false value is only logged by dispatch: the dispatcher does not
// end the call.
type wireResponse struct {
	Status           string `json:"status"`
	Transcription    string `json:"transcription"`
	ResponseText     string `json:"response"`
	Continue         *bool  `json:"continue"`
	Error            string `json:"error"`
	FallbackResponse string `json:"fallback_response"`
}

// Sentence-ending splitter exceptions, e.g. abbreviations that should not
// end a TTS token, matching §4.6's language-specific splitter rule.
var splitExceptions = map[string]bool{
	"mr.": true, "mrs.": true, "dr.": true, "sr.": true, "jr.": true, "etc.": true,
}

// Dispatcher owns the bounded chunk queue and the HTTP client talking to
// the dialog service.
type Dispatcher struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logging.Logger
	archive    *ArchiveSink

	queue chan Request

	FallbackText string
	OnResponseToken func(session *gwcore.CallSession, token string, highPriority bool)

	// Transcript persists each recorded turn to the on-disk transcript
	// file (§6); nil is valid and simply skips persistence (tests leave
	// it unset).
	Transcript *transcript.Sink
}

// New creates a Dispatcher. limiterRate bounds outbound POSTs/sec so a
// dialog-service retry storm cannot starve the serial tasks, the same
// defensive pattern NeboLoop-nebo's gateway submodule applies to its own
// outbound websocket writes.
func New(endpoint string, limiterRate rate.Limit, archive *ArchiveSink, logger logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &Dispatcher{
		endpoint:     endpoint,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		limiter:      rate.NewLimiter(limiterRate, 1),
		logger:       logger,
		archive:      archive,
		queue:        make(chan Request, queueCapacity),
		FallbackText: "Sorry, I didn't catch that. Could you repeat it?",
	}
}

// Enqueue adds a chunk to the dispatch queue, dropping it if the queue is
// full (§4.6 backpressure policy) rather than blocking the capture path.
func (d *Dispatcher) Enqueue(req Request) error {
	select {
	case d.queue <- req:
		return nil
	default:
		d.logger.Warn("dialog queue full, dropping chunk", "call_id", req.Session.ID, "chunk", req.Chunk.ChunkNum)
		return gwcore.ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled, dispatching each request in
// turn. cmd/gateway runs it once for the process lifetime, and that one
// goroutine serves every call in turn.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			d.dispatch(ctx, req)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) {
	opusAudio, err := EncodeChunk(req.Chunk.PCM, req.Session.Config.SampleRate())
	if err != nil {
		d.logger.Error("opus encode failed", "error", err)
		return
	}

	if d.archive != nil {
		d.archive.Submit(req.Session.ID, "caller", opusAudio)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	resp, err := d.post(ctx, req, opusAudio)
	if err != nil {
		d.logger.Warn("dialog dispatch failed, using fallback", "call_id", req.Session.ID, "error", err)
		d.emitFallback(req.Session, "")
		return
	}

	// A 200 response whose body is the error envelope is still an error
	// per §6: it carries no transcription/response, so it must fall back
	// to TTS instead of silently returning nothing spoken (§4.6 step 3).
	if resp.Status == "error" {
		d.logger.Warn("dialog service returned error status, using fallback", "call_id", req.Session.ID, "error", resp.Error)
		d.emitFallback(req.Session, resp.FallbackResponse)
		if !resp.Continue {
			d.logger.Info("dialog service requested call end", "call_id", req.Session.ID)
		}
		return
	}

	if resp.Transcription != "" {
		req.Session.AppendTranscript("user", resp.Transcription)
		d.persistTurn(req.Session.ID, "caller", resp.Transcription)
	}
	if resp.ResponseText == "" {
		return
	}
	req.Session.AppendTranscript("assistant", resp.ResponseText)
	d.persistTurn(req.Session.ID, "bot", resp.ResponseText)

	for _, token := range SplitResponse(resp.ResponseText, string(req.Session.Config.Language)) {
		d.OnResponseToken(req.Session, token, true)
	}

	if !resp.Continue {
		d.logger.Info("dialog service requested call end", "call_id", req.Session.ID)
	}
}

func (d *Dispatcher) post(ctx context.Context, req Request, opusAudio []byte) (*Response, error) {
	context := req.Session.LastTranscript(5)
	wireCtx := make([]wireContextEntry, len(context))
	for i, e := range context {
		wireCtx[i] = wireContextEntry{Role: e.Role, Text: e.Text}
	}

	body := wireRequest{
		CallID:      req.Session.ID,
		ChunkNumber: req.Chunk.ChunkNum,
		Audio:       base64.StdEncoding.EncodeToString(opusAudio),
		Language:    string(req.Session.Config.Language),
		Context:     wireCtx,
		CallerID:    req.Session.CallerID,
		Metadata: wireMetadata{
			Timestamp:  time.Now().Unix(),
			DurationMS: int(req.Chunk.DurationS * 1000),
			SampleRate: req.Session.Config.SampleRate(),
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, gwcore.NewCallError(gwcore.ErrorDialogHTTP, err)
	}
	defer resp.Body.Close()

	// Both envelopes in §6 are JSON bodies, success or error, so the body
	// is always decoded: a non-200 response still carries the
	// `fallback_response` text scenario §8-4 requires the caller to speak.
	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, gwcore.NewCallError(gwcore.ErrorDialogHTTP, fmt.Errorf("dialog service returned status %d", resp.StatusCode))
		}
		return nil, gwcore.NewCallError(gwcore.ErrorDialogHTTP, err)
	}

	out := Response{
		Status:           wire.Status,
		Transcription:    wire.Transcription,
		ResponseText:     wire.ResponseText,
		Continue:         wire.Continue == nil || *wire.Continue,
		Error:            wire.Error,
		FallbackResponse: wire.FallbackResponse,
	}
	if resp.StatusCode != http.StatusOK && out.Status == "" {
		out.Status = "error"
	}
	return &out, nil
}

// emitFallback enqueues a fallback message instead of a dialog-service
// response: the service-supplied fallbackText when the error envelope
// carried one (§6/§8-4), otherwise the fixed localized phrase (§7).
func (d *Dispatcher) emitFallback(session *gwcore.CallSession, fallbackText string) {
	text := fallbackText
	if text == "" {
		text = d.FallbackText
	}
	if d.OnResponseToken != nil {
		d.OnResponseToken(session, text, true)
	}
}

// persistTurn writes one transcript line to disk if a Sink is configured;
// it is always best-effort and never blocks or fails the dispatch path.
func (d *Dispatcher) persistTurn(callID, role, text string) {
	if d.Transcript != nil {
		d.Transcript.AppendTurn(callID, role, text)
	}
}

// SplitResponse splits text on `. ! ? ,` (§4.6), honoring a small exception
// list of abbreviations that should not end a token, so each token becomes
// one sequential TTS request paced like speech rather than one oversized
// utterance.
func SplitResponse(text, lang string) []string {
	var tokens []string
	var cur []rune
	runes := []rune(text)

	flush := func() {
		s := string(cur)
		cur = cur[:0]
		if trimmed := trimSpace(s); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}

	for i := 0; i < len(runes); i++ {
		cur = append(cur, runes[i])
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' || runes[i] == ',' {
			word := lastWord(string(cur))
			if splitExceptions[lowerASCII(word)] {
				continue
			}
			flush()
		}
	}
	flush()
	return tokens
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func lastWord(s string) string {
	s = trimSpace(s)
	i := len(s)
	for i > 0 && s[i-1] != ' ' {
		i--
	}
	return s[i:]
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
