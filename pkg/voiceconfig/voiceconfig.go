// Package voiceconfig implements the Config Cache (C10): fetch the voice
// configuration over HTTP, persist it atomically to disk, and fall back
// in cascading order (in-memory -> on-disk -> hardcoded defaults) whenever
// a fetch fails, never partially updating the in-memory copy from a failed
// attempt.
package voiceconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/voicegw/callpipeline/pkg/gwcore"
	"github.com/voicegw/callpipeline/pkg/logging"
)

// Cache holds the current voice config and knows how to refresh it.
type Cache struct {
	gatewayURL  string
	vpnIP       string
	configPath  string
	httpClient  *http.Client
	logger      logging.Logger

	mu      sync.RWMutex
	current gwcore.VoiceConfig
	loaded  bool

	watcher *fsnotify.Watcher
	cron    *cron.Cron
}

// New creates a Cache. gatewayURL may be a bare host (assumed https, matching
// the VPN-internal gateway address in §4.10) or a full http(s):// URL, which
// tests use to point at a local httptest server. vpnIP is this gateway's own
// VPN address, sent as the ip query parameter the config endpoint expects.
func New(gatewayURL, vpnIP, configPath string, logger logging.Logger) *Cache {
	if logger == nil {
		logger = logging.NoOp{}
	}
	if !strings.Contains(gatewayURL, "://") {
		gatewayURL = "https://" + gatewayURL
	}
	return &Cache{
		gatewayURL: gatewayURL,
		vpnIP:      vpnIP,
		configPath: configPath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		current:    gwcore.DefaultVoiceConfig(),
	}
}

// Current returns the best available config right now, never blocking on
// network I/O.
func (c *Cache) Current() gwcore.VoiceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Bootstrap loads the cascading fallback chain once at startup: try the
// on-disk copy first so a config is available even before the first fetch
// completes, then attempt one fetch before returning.
func (c *Cache) Bootstrap(ctx context.Context) {
	if cfg, err := readFromDisk(c.configPath); err == nil {
		c.mu.Lock()
		c.current = cfg
		c.loaded = true
		c.mu.Unlock()
	} else {
		c.logger.Info("no on-disk voice config, using hardcoded defaults", "path", c.configPath)
	}

	if err := c.Fetch(ctx); err != nil {
		c.logger.Warn("initial voice config fetch failed, keeping fallback", "error", err)
	}
}

// configEnvelope mirrors the voice config endpoint's response wrapper (§6):
// {success, data, message}. Only the data payload is ever persisted to disk
// or decoded into a VoiceConfig; success=false is always treated as a
// failed fetch regardless of HTTP status.
type configEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Fetch retrieves the config from the gateway's VPN address, validates it,
// and only then swaps it into memory and onto disk. A failed fetch never
// touches the in-memory or on-disk copy.
func (c *Cache) Fetch(ctx context.Context) error {
	reqURL := fmt.Sprintf("%s/api/voice-config?ip=%s&include_key=1", c.gatewayURL, url.QueryEscape(c.vpnIP))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return gwcore.NewCallError(gwcore.ErrorConfigFetch, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gwcore.NewCallError(gwcore.ErrorConfigFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gwcore.NewCallError(gwcore.ErrorConfigFetch, fmt.Errorf("config endpoint returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gwcore.NewCallError(gwcore.ErrorConfigFetch, err)
	}

	var env configEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return gwcore.NewCallError(gwcore.ErrorConfigFetch, err)
	}
	if !env.Success {
		return gwcore.NewCallError(gwcore.ErrorConfigFetch, fmt.Errorf("config endpoint reported failure: %s", env.Message))
	}

	cfg, err := decodeConfigBytes(env.Data)
	if err != nil {
		return gwcore.NewCallError(gwcore.ErrorConfigFetch, err)
	}

	if err := validate(cfg); err != nil {
		return gwcore.NewCallError(gwcore.ErrorConfigFetch, err)
	}

	if err := writeAtomic(c.configPath, env.Data); err != nil {
		c.logger.Warn("failed to persist voice config to disk", "error", err)
	}

	c.mu.Lock()
	c.current = cfg
	c.loaded = true
	c.mu.Unlock()
	return nil
}

// WatchDisk reloads whenever an external process rewrites the config file,
// validating and swapping exactly the same way a successful HTTP fetch
// does.
func (c *Cache) WatchDisk(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	c.watcher = w

	dir := filepath.Dir(c.configPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != c.configPath {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if cfg, err := readFromDisk(c.configPath); err == nil {
					if err := validate(cfg); err == nil {
						c.mu.Lock()
						c.current = cfg
						c.loaded = true
						c.mu.Unlock()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// StartPeriodicRefresh re-fetches the config on the given cron schedule
// (default every 10 minutes) as a resilience supplement to the fetch
// Bootstrap makes at start. A ring does not trigger a fetch: the call
// controller reads Current().
func (c *Cache) StartPeriodicRefresh(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = "@every 10m"
	}
	c.cron = cron.New()
	_, err := c.cron.AddFunc(schedule, func() {
		if err := c.Fetch(ctx); err != nil {
			c.logger.Warn("periodic voice config refresh failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

func (c *Cache) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
	if c.watcher != nil {
		c.watcher.Close()
	}
}

func readFromDisk(path string) (gwcore.VoiceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gwcore.VoiceConfig{}, err
	}
	return decodeConfigBytes(data)
}

func decodeConfigBytes(data []byte) (gwcore.VoiceConfig, error) {
	cfg := gwcore.DefaultVoiceConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return gwcore.VoiceConfig{}, err
	}
	applyDefaults(&cfg)

	var extra map[string]interface{}
	if err := json.Unmarshal(data, &extra); err == nil {
		cfg.Extra = extra
	}
	return cfg, nil
}

// applyDefaults fills in the threshold fields a remote config payload may
// omit, per §3's "defaults applied at load time" rule; fields the payload
// does supply are left untouched.
func applyDefaults(cfg *gwcore.VoiceConfig) {
	defaults := gwcore.DefaultVoiceConfig()
	if cfg.SilenceTimeoutMS == 0 {
		cfg.SilenceTimeoutMS = defaults.SilenceTimeoutMS
	}
	if cfg.PhrasePauseMS == 0 {
		cfg.PhrasePauseMS = defaults.PhrasePauseMS
	}
	if cfg.LongSpeechThresholdMS == 0 {
		cfg.LongSpeechThresholdMS = defaults.LongSpeechThresholdMS
	}
	if cfg.MaxSpeechDurationMS == 0 {
		cfg.MaxSpeechDurationMS = defaults.MaxSpeechDurationMS
	}
}

func validate(cfg gwcore.VoiceConfig) error {
	if cfg.SilenceTimeoutMS <= 0 {
		return gwcore.ErrConfigUnvalidated
	}
	if cfg.WelcomeMessage == "" {
		return gwcore.ErrConfigUnvalidated
	}
	return nil
}

// writeAtomic implements the §4.10 write discipline: write to a temp file,
// fsync it, rename into place, then fsync the containing directory so the
// rename itself is durable.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer dirFile.Close()
	_ = dirFile.Sync()
	return nil
}
