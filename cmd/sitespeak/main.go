// Command sitespeak is the SiteSpeak voice client: it connects the local
// microphone and speakers to the voice gateway and drives a continuous
// conversation from the terminal and a global push-to-talk hotkey.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.design/x/hotkey"
	"golang.org/x/sync/errgroup"

	"github.com/sitespeak/sitespeak/internal/config"
	"github.com/sitespeak/sitespeak/internal/observe"
	"github.com/sitespeak/sitespeak/internal/orchestrator"
	"github.com/sitespeak/sitespeak/internal/turn"
	"github.com/sitespeak/sitespeak/pkg/audio/capture"
	capturedev "github.com/sitespeak/sitespeak/pkg/audio/capture/portaudio"
	"github.com/sitespeak/sitespeak/pkg/audio/playback"
	playbackdev "github.com/sitespeak/sitespeak/pkg/audio/playback/portaudio"
	"github.com/sitespeak/sitespeak/pkg/voice"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sitespeak: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sitespeak: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// clientID correlates this process run across logs and gateway-side
	// telemetry.
	clientID := uuid.NewString()
	level := new(slog.LevelVar)
	level.Set(logLevel(cfg.LogLevel))
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler).With("client_id", clientID))

	slog.Info("sitespeak starting",
		"config", *configPath,
		"endpoint", cfg.Gateway.Endpoint,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio devices ─────────────────────────────────────────────────────────
	sourceFactory := func() (capture.Source, error) {
		var opts []capturedev.Option
		if cfg.Audio.InputSampleRate > 0 {
			opts = append(opts, capturedev.WithSampleRate(cfg.Audio.InputSampleRate))
		}
		return capturedev.NewSource(opts...)
	}

	sink, err := playbackdev.NewSink()
	if err != nil {
		slog.Error("failed to open playback device", "err", err)
		return 1
	}
	player := playback.New(sink)

	// ── Orchestrator ──────────────────────────────────────────────────────────
	orch := orchestrator.New(
		orchestrator.Config{
			Endpoint: cfg.Gateway.Endpoint,
			Credentials: voice.Credentials{
				Token:     cfg.Gateway.Token,
				SessionID: cfg.Gateway.SessionID,
			},
			Language:       cfg.Session.Language,
			Voice:          cfg.Session.Voice,
			Continuous:     cfg.Session.Continuous,
			Preference:     cfg.Audio.Format,
			Slice:          sliceDuration(cfg.Audio.SliceMs),
			ChunkTarget:    cfg.Audio.ChunkTargetBytes(),
			ChunkMax:       cfg.Audio.ChunkMaxBytes(),
			ConnectTimeout: cfg.Gateway.ConnectTimeout,
		},
		sourceFactory,
		player,
		orchestrator.WithNotify(printTransition),
		orchestrator.WithOnError(func(err error) {
			fmt.Fprintf(os.Stderr, "\nsession error: %v\n", err)
		}),
	)
	defer func() {
		if err := orch.Close(); err != nil {
			slog.Warn("session close error", "err", err)
		}
	}()

	slog.Info("transport format negotiated", "format", orch.Format().Codec)

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, new *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(logLevel(diff.NewLogLevel))
		}
		if diff.RestartSession {
			if err := orch.SetLanguage(new.Session.Language); err != nil {
				slog.Warn("session restart error", "err", err)
			}
			if err := orch.SetVoice(new.Session.Voice); err != nil {
				slog.Warn("session restart error", "err", err)
			}
			slog.Info("session settings changed; next start reconnects",
				"language", new.Session.Language,
				"voice", new.Session.Voice,
			)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Background loops ──────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Telemetry.MetricsAddr != "" {
		g.Go(func() error {
			observe.ServeMetrics(gctx, cfg.Telemetry.MetricsAddr)
			return nil
		})
	}
	g.Go(func() error { return hotkeyLoop(gctx, orch) })
	g.Go(func() error { return stdinLoop(gctx, orch) })

	fmt.Println("sitespeak ready — Ctrl+Shift+Space toggles the microphone, type to send text, Ctrl+C quits")

	<-gctx.Done()
	stop()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// hotkeyLoop registers the global push-to-talk toggle. Each press maps to
// the same Start and Stop calls the terminal uses; there is no separate
// capture path. A registration failure disables the hotkey but not the app.
func hotkeyLoop(ctx context.Context, orch *orchestrator.Orchestrator) error {
	hk := hotkey.New([]hotkey.Modifier{hotkey.ModCtrl, hotkey.ModShift}, hotkey.KeySpace)
	if err := hk.Register(); err != nil {
		slog.Warn("global hotkey unavailable", "err", err)
		<-ctx.Done()
		return nil
	}
	defer func() { _ = hk.Unregister() }()

	listening := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hk.Keydown():
			if listening {
				if err := orch.Stop(); err != nil {
					slog.Warn("stop error", "err", err)
				}
				listening = false
				continue
			}
			if err := orch.Start(ctx); err != nil {
				reportStartError(err)
				continue
			}
			listening = true
		}
	}
}

// stdinLoop reads terminal lines and sends them as text input, bypassing
// audio entirely.
func stdinLoop(ctx context.Context, orch *orchestrator.Orchestrator) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if err := orch.ProcessText(ctx, text); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
}

func printTransition(c turn.Change) {
	if c.From != c.To {
		slog.Debug("turn state", "from", c.From, "to", c.To)
	}
}

func reportStartError(err error) {
	switch {
	case errors.Is(err, voice.ErrPermissionDenied):
		fmt.Fprintln(os.Stderr, "microphone access denied — grant permission and press the hotkey again")
	case errors.Is(err, voice.ErrConnection):
		fmt.Fprintln(os.Stderr, "cannot reach the voice gateway — check the endpoint and retry")
	default:
		fmt.Fprintf(os.Stderr, "start failed: %v\n", err)
	}
}

func sliceDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func logLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
