package callctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicegw/callpipeline/pkg/gwcore"
	"github.com/voicegw/callpipeline/pkg/logging"
	"github.com/voicegw/callpipeline/pkg/modem"
	gwserial "github.com/voicegw/callpipeline/pkg/serial"
	"github.com/voicegw/callpipeline/pkg/tts"
	"github.com/voicegw/callpipeline/pkg/webhook"
)

type fakePort struct{}

func (fakePort) Read(p []byte) (int, error)          { return 0, nil }
func (fakePort) Write(p []byte) (int, error)         { return len(p), nil }
func (fakePort) Close() error                        { return nil }
func (fakePort) SetReadTimeout(d time.Duration) error { return nil }

func TestEnterRingingRejectsWithoutAnswering(t *testing.T) {
	ctrl := New(Deps{
		Modem:   modem.NewSession(fakePort{}, gwserial.Config{}, nil),
		Webhook: webhook.New("", nil),
		Logger:  logging.NoOp{},
		ConfigSource: func() gwcore.VoiceConfig {
			cfg := gwcore.DefaultVoiceConfig()
			cfg.AnswerAfterRings = gwcore.AnswerReject
			return cfg
		},
	})

	ctrl.enterRinging(context.Background(), modem.Notification{CallerID: "+15551234567"})

	if got := ctrl.Status().State; got != string(StateIdle) {
		t.Fatalf("expected rejected call to return to Idle, got %s", got)
	}
}

type fakePlayback struct {
	played chan string
}

func (f *fakePlayback) Play(ctx context.Context, path string) error {
	f.played <- path
	return nil
}
func (f *fakePlayback) Drain() {}

func TestMaybeReleaseWelcomePlaysOnceGateSatisfied(t *testing.T) {
	stagingDir := t.TempDir()

	ttsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		staged := filepath.Join(stagingDir, "tts_call-1_1.raw")
		os.WriteFile(staged, []byte("pcm"), 0o644)
		json.NewEncoder(w).Encode(map[string]string{"staging_path": staged})
	}))
	defer ttsServer.Close()

	ttsClient := tts.New(ttsServer.URL, t.TempDir(), stagingDir, logging.NoOp{})
	ttsClient.Start(context.Background())

	fp := &fakePlayback{played: make(chan string, 1)}
	ctrl := New(Deps{
		Modem:   modem.NewSession(fakePort{}, gwserial.Config{}, nil),
		TTS:     ttsClient,
		Webhook: webhook.New("", nil),
		Logger:  logging.NoOp{},
	})

	session := gwcore.NewCallSession("call-1", "+15551234567", gwcore.DefaultVoiceConfig())
	ctrl.session = session
	ctrl.playback = fp
	ctrl.welcomeArmed = true
	ctrl.welcomeText = "Hello, how can I help you today?"

	// Gate not yet satisfied: no speech recorded.
	ctrl.maybeReleaseWelcome(context.Background(), session)
	select {
	case <-fp.played:
		t.Fatalf("expected no playback before the release gate is satisfied")
	case <-time.After(50 * time.Millisecond):
	}

	session.MarkSpeech(700 * time.Millisecond)
	session.MarkEndSignalSent()

	ctrl.maybeReleaseWelcome(context.Background(), session)
	select {
	case path := <-fp.played:
		if path == "" {
			t.Fatalf("expected a non-empty playback path")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected welcome playback once the release gate was satisfied")
	}

	if ctrl.welcomeArmed {
		t.Fatalf("expected welcomeArmed to clear after release")
	}
}
