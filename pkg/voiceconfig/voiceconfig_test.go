package voiceconfig

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicegw/callpipeline/pkg/gwcore"
)

func TestBootstrapFallsBackToDefaultsWhenFetchFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dir := t.TempDir()
	cache := New(server.URL, "10.8.0.5", filepath.Join(dir, "voice_config.json"), nil)

	cache.Bootstrap(context.Background())

	got := cache.Current()
	want := gwcore.DefaultVoiceConfig()
	assert.Equal(t, want.WelcomeMessage, got.WelcomeMessage, "expected fallback to hardcoded defaults")
}

func TestFetchNeverPartiallyUpdatesOnInvalidConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := json.Marshal(gwcore.VoiceConfig{
			Language:       gwcore.LanguageEn,
			WelcomeMessage: "",
		})
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    json.RawMessage(data),
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	cache := New(server.URL, "10.8.0.5", filepath.Join(dir, "voice_config.json"), nil)
	before := cache.Current()

	_ = cache.Fetch(context.Background())

	after := cache.Current()
	assert.Equal(t, before.WelcomeMessage, after.WelcomeMessage, "expected in-memory config unchanged after invalid fetch")
}

func TestFetchAppliesSuccessfulEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ip") == "" {
			t.Errorf("expected ip query parameter to be set")
		}
		data, _ := json.Marshal(gwcore.VoiceConfig{
			Language:         gwcore.LanguageEn,
			WelcomeMessage:   "Welcome to the line",
			SilenceTimeoutMS: 800,
		})
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    json.RawMessage(data),
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	cache := New(server.URL, "10.8.0.5", filepath.Join(dir, "voice_config.json"), nil)

	require.NoError(t, cache.Fetch(context.Background()))

	got := cache.Current()
	assert.Equal(t, "Welcome to the line", got.WelcomeMessage)
}
