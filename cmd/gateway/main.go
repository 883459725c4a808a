package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/voicegw/callpipeline/pkg/callctl"
	"github.com/voicegw/callpipeline/pkg/cdr"
	"github.com/voicegw/callpipeline/pkg/dialog"
	"github.com/voicegw/callpipeline/pkg/gwcore"
	"github.com/voicegw/callpipeline/pkg/logging"
	"github.com/voicegw/callpipeline/pkg/modem"
	"github.com/voicegw/callpipeline/pkg/monitor"
	"github.com/voicegw/callpipeline/pkg/playback"
	gwserial "github.com/voicegw/callpipeline/pkg/serial"
	"github.com/voicegw/callpipeline/pkg/timing"
	"github.com/voicegw/callpipeline/pkg/transcript"
	"github.com/voicegw/callpipeline/pkg/tts"
	"github.com/voicegw/callpipeline/pkg/turntaking"
	"github.com/voicegw/callpipeline/pkg/voiceconfig"
	"github.com/voicegw/callpipeline/pkg/webhook"
)

func main() {
	os.Exit(run())
}

// run holds everything main used to, so every deferred Close() — the CDR
// store, the serial ports, the transcript/timing/archive sinks — still
// drains before the process exits on a non-zero status.
func run() int {
	if err := godotenv.Load(); err != nil {
		log.Println("note: no .env file found, using system environment variables")
	}

	var (
		atDevice       = flag.String("at-device", os.Getenv("GATEWAY_AT_DEVICE"), "AT command serial device (e.g. /dev/ttyUSB2)")
		pcmDevice      = flag.String("pcm-device", os.Getenv("GATEWAY_PCM_DEVICE"), "PCM audio serial device (e.g. /dev/ttyUSB4); empty uses the dev sound-card backend")
		devMode        = flag.Bool("dev", os.Getenv("GATEWAY_DEV") == "1", "use the host sound card instead of a real modem PCM line")
		configURL      = flag.String("config-url", os.Getenv("GATEWAY_CONFIG_URL"), "voice config service base URL")
		vpnIP          = flag.String("vpn-ip", os.Getenv("GATEWAY_VPN_IP"), "this gateway's VPN address, sent to the config service")
		configPath     = flag.String("config-path", envOr("GATEWAY_CONFIG_PATH", "/var/lib/voicegw/voice_config.json"), "on-disk voice config cache path")
		dialogURL      = flag.String("dialog-url", os.Getenv("GATEWAY_DIALOG_URL"), "dialog service endpoint")
		ttsURL         = flag.String("tts-url", os.Getenv("GATEWAY_TTS_URL"), "local TTS engine endpoint")
		ttsCache       = flag.String("tts-cache", envOr("GATEWAY_TTS_CACHE", "/var/lib/voicegw/tts-cache"), "TTS artifact cache root")
		ttsStaging     = flag.String("tts-staging", envOr("GATEWAY_TTS_STAGING", "/var/lib/voicegw/tts-staging"), "directory the TTS engine stages synthesized PCM into")
		archiveRoot    = flag.String("audio-archive", envOr("GATEWAY_AUDIO_ARCHIVE", "/var/lib/voicegw/audio-archive"), "call audio archive root")
		transcriptRoot = flag.String("transcript-root", envOr("GATEWAY_TRANSCRIPT_ROOT", "/var/lib/voicegw/transcripts"), "per-call transcript text file root")
		timingRoot     = flag.String("timing-root", envOr("GATEWAY_TIMING_ROOT", "/var/lib/voicegw/timing"), "per-call profiling event root")
		cdrPath        = flag.String("cdr-path", envOr("GATEWAY_CDR_PATH", "/var/lib/voicegw/cdr.sqlite"), "CDR SQLite database path")
		webhookURL     = flag.String("webhook-url", os.Getenv("GATEWAY_WEBHOOK_URL"), "call-event webhook endpoint")
		monitorAddr    = flag.String("monitor-addr", envOr("GATEWAY_MONITOR_ADDR", ":8070"), "internal operator HTTP API bind address")
		debug          = flag.Bool("debug", os.Getenv("GATEWAY_DEBUG") == "1", "enable debug logging")
	)
	flag.Parse()

	logger := logging.NewWithLevel("gateway", *debug)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configCache := voiceconfig.New(*configURL, *vpnIP, *configPath, logger)
	configCache.Bootstrap(ctx)
	if err := configCache.WatchDisk(ctx); err != nil {
		logger.Warn("failed to start config file watcher", "error", err)
	}
	if err := configCache.StartPeriodicRefresh(ctx, ""); err != nil {
		logger.Warn("failed to start periodic config refresh", "error", err)
	}
	defer configCache.Stop()

	atDeviceCfg := gwserial.Config{Device: *atDevice, BaudRate: 115200}
	atPort, err := gwserial.Open(atDeviceCfg)
	if err != nil {
		log.Printf("open AT device %s: %v", *atDevice, err)
		return 1
	}
	defer atPort.Close()

	modemSession := modem.NewSession(atPort, atDeviceCfg, logger)
	if err := modemSession.Init(ctx); err != nil {
		log.Printf("modem init: %v", err)
		return 1
	}
	if err := modemSession.SetAutoAnswer(ctx, 0); err != nil {
		logger.Warn("failed to disable modem auto-answer", "error", err)
	}
	wideband := configCache.Current().AudioFormat == gwcore.AudioFormat16kHz
	if err := modemSession.SetPCMFormat(ctx, wideband); err != nil {
		logger.Warn("failed to set pcm format", "error", err)
	}

	var pcmPort gwserial.Port
	if *devMode || *pcmDevice == "" {
		devPort, err := gwserial.NewDevPCMPort(8000)
		if err != nil {
			log.Printf("open dev pcm backend: %v", err)
			return 1
		}
		pcmPort = devPort
	} else {
		pcmPort, err = gwserial.Open(gwserial.Config{Device: *pcmDevice, BaudRate: 115200})
		if err != nil {
			log.Printf("open PCM device %s: %v", *pcmDevice, err)
			return 1
		}
	}
	defer pcmPort.Close()

	archive := dialog.NewArchiveSink(*archiveRoot, logger)
	defer archive.Close()

	transcriptSink := transcript.New(*transcriptRoot, logger)
	defer transcriptSink.Close()

	timingRecorder := timing.New(*timingRoot, logger)
	defer timingRecorder.Close()

	dispatcher := dialog.New(*dialogURL, rate.Limit(5), archive, logger)
	dispatcher.Transcript = transcriptSink
	go dispatcher.Run(ctx)

	ttsClient := tts.New(*ttsURL, *ttsCache, *ttsStaging, logger)
	ttsClient.Start(ctx)

	cdrStore, err := cdr.Open(*cdrPath)
	if err != nil {
		log.Printf("open cdr store: %v", err)
		return 1
	}
	defer cdrStore.Close()

	webhookClient := webhook.New(*webhookURL, logger)

	controller := callctl.New(callctl.Deps{
		Modem:        modemSession,
		PCMPort:      pcmPort,
		ConfigSource: configCache.Current,
		Dispatcher:   dispatcher,
		TTS:          ttsClient,
		CDR:          cdrStore,
		Webhook:      webhookClient,
		Timing:       timingRecorder,
		Logger:       logger,
		PlaybackFactory: func(session *gwcore.CallSession, coord *turntaking.Coordinator) callctl.Playback {
			sched := playback.New(pcmPort, session.Config.SampleRate(), coord, session.Flags, logger)
			sched.CallID = session.ID
			sched.Timing = timingRecorder
			return sched
		},
	})
	dispatcher.OnResponseToken = controller.OnResponseToken

	monitorServer := monitor.NewServer(controller, logger)
	controller.SetMonitor(monitorServer)
	httpServer := &http.Server{Addr: *monitorAddr, Handler: monitorServer.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("monitor server stopped", "error", err)
		}
	}()

	logger.Info("gateway starting", "at_device", *atDevice, "dev_mode", *devMode)

	runErr := controller.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	if runErr != nil && ctx.Err() == nil {
		logger.Error("call controller stopped unexpectedly, exiting for supervisor restart", "error", runErr)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
