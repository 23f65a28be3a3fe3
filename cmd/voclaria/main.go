// Command voclaria is an interactive speaking-practice voice tutor. It
// captures microphone audio, streams it to a realtime speech model, plays the
// synthesized replies and prints the running transcript.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voclaria/voclaria/internal/config"
	"github.com/voclaria/voclaria/internal/health"
	"github.com/voclaria/voclaria/internal/observe"
	"github.com/voclaria/voclaria/internal/session"
	"github.com/voclaria/voclaria/internal/turns"
	"github.com/voclaria/voclaria/pkg/audio"
	"github.com/voclaria/voclaria/pkg/audio/miniaudio"
	"github.com/voclaria/voclaria/pkg/audio/otoout"
	"github.com/voclaria/voclaria/pkg/live"
	"github.com/voclaria/voclaria/pkg/live/gemini"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	// A .env file is a local-development convenience; its absence is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voclaria: load .env: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// A LevelVar so that a config reload can change verbosity without restart.
	levelVar := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	// ── Load configuration (with hot reload) ──────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		applyConfigChange(levelVar, old, updated)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voclaria: config file %q not found — copy config.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voclaria: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	levelVar.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("voclaria starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"provider", cfg.Live.Provider,
		"model", cfg.Live.Model,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Init(observe.Options{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	reg.Register("gemini", func(lc config.LiveConfig, apiKey string) (live.Provider, error) {
		var opts []gemini.Option
		if lc.Model != "" {
			opts = append(opts, gemini.WithModel(lc.Model))
		}
		if lc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(lc.BaseURL))
		}
		return gemini.New(apiKey, opts...), nil
	})
	if !slices.Contains(reg.Names(), cfg.Live.Provider) {
		slog.Error("unknown live provider", "name", cfg.Live.Provider, "known", reg.Names())
		return 1
	}

	provider := &deferredProvider{reg: reg, cfg: cfg.Live}

	// ── Session controller ────────────────────────────────────────────────────
	ctrl := session.NewController(
		provider,
		func() audio.CaptureDevice { return miniaudio.NewDevice() },
		func() (audio.Output, error) { return otoout.NewOutput() },
		session.WithCredentialEnv(cfg.Live.CredentialEnv),
		session.WithConnectTimeout(cfg.Live.ConnectTimeout.Std()),
		session.WithLevelGain(cfg.Audio.LevelGain),
		session.WithMetrics(metrics),
		session.WithTurnFunc(printTurns),
	)

	// ── Diagnostics server ────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	diag := health.New(
		func() health.SessionStatus {
			return health.SessionStatus{
				State:     ctrl.State().String(),
				SessionID: ctrl.ID(),
				Volume:    ctrl.VolumeLevel(),
				Turns:     len(ctrl.History()),
				LastError: ctrl.LastError(),
			}
		},
		health.Checker{Name: "credential", Check: func(_ context.Context) error {
			if os.Getenv(cfg.Live.CredentialEnv) == "" {
				return fmt.Errorf("%s not set", cfg.Live.CredentialEnv)
			}
			return nil
		}},
	)
	diag.Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("diagnostics server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("diagnostics server error", "err", err)
		}
	}()

	// ── Interactive loop ──────────────────────────────────────────────────────
	printWelcome(cfg)
	repl(ctx, ctrl, watcher)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down…")
	if err := ctrl.Disconnect(); err != nil {
		slog.Warn("disconnect error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("diagnostics server shutdown error", "err", err)
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Live provider ─────────────────────────────────────────────────────────────

// deferredProvider builds the underlying provider on each connect so that
// credential changes in the environment take effect without a restart.
type deferredProvider struct {
	reg *config.Registry
	cfg config.LiveConfig
}

func (p *deferredProvider) Connect(ctx context.Context, sc live.SessionConfig) (live.Session, error) {
	inner, err := p.reg.Create(p.cfg, os.Getenv(p.cfg.CredentialEnv))
	if err != nil {
		return nil, err
	}
	return inner.Connect(ctx, sc)
}

var _ live.Provider = (*deferredProvider)(nil)

// ── Interactive loop ──────────────────────────────────────────────────────────

func printWelcome(cfg *config.Config) {
	fmt.Println("Voclaria — speaking practice tutor")
	fmt.Printf("  provider : %s / %s\n", cfg.Live.Provider, cfg.Live.Model)
	if len(cfg.Scenarios) > 0 {
		names := make([]string, len(cfg.Scenarios))
		for i, sc := range cfg.Scenarios {
			names[i] = sc.Name
		}
		fmt.Printf("  scenarios: %s\n", strings.Join(names, ", "))
	}
	fmt.Println(`type "help" for commands`)
}

// repl reads commands from stdin until EOF, "quit" or context cancellation.
func repl(ctx context.Context, ctrl *session.Controller, watcher *config.Watcher) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
			arg = strings.TrimSpace(arg)
			if cmd == "quit" || cmd == "exit" {
				return
			}
			runCommand(ctx, ctrl, watcher, cmd, arg)
		}
	}
}

func runCommand(ctx context.Context, ctrl *session.Controller, watcher *config.Watcher, cmd, arg string) {
	switch cmd {
	case "":
	case "help":
		fmt.Print(`commands:
  connect [scenario]  start a practice session (optionally from a named scenario)
  disconnect          end the current session
  say <text>          send a text message into the conversation
  feedback            ask the tutor for a performance report
  history             print the finalized conversation turns
  status              print session state and microphone level
  scenarios           list the configured practice scenarios
  quit                exit
`)

	case "connect":
		cfg := watcher.Current()
		instruction, voice, err := resolveScenario(cfg, arg)
		if err != nil {
			fmt.Println(err)
			return
		}
		if err := ctrl.Connect(ctx, instruction, voice); err != nil {
			fmt.Printf("connect failed: %v\n", err)
			return
		}
		fmt.Println("session active — start speaking")

	case "disconnect":
		if err := ctrl.Disconnect(); err != nil {
			fmt.Printf("disconnect failed: %v\n", err)
			return
		}
		fmt.Println("session ended")

	case "say":
		if arg == "" {
			fmt.Println("usage: say <text>")
			return
		}
		if err := ctrl.SendText(arg); err != nil {
			fmt.Printf("send failed: %v\n", err)
		}

	case "feedback":
		if err := ctrl.RequestFeedback(); err != nil {
			fmt.Printf("feedback request failed: %v\n", err)
		}

	case "history":
		records := ctrl.History()
		if len(records) == 0 {
			fmt.Println("(no turns yet)")
			return
		}
		printTurns(records)

	case "status":
		fmt.Printf("state: %s", ctrl.State())
		if id := ctrl.ID(); id != "" {
			fmt.Printf("  session: %s", id)
		}
		fmt.Printf("  mic: %s\n", levelMeter(ctrl.VolumeLevel()))
		if lastErr := ctrl.LastError(); lastErr != "" {
			fmt.Printf("last error: %s\n", lastErr)
		}

	case "scenarios":
		cfg := watcher.Current()
		if len(cfg.Scenarios) == 0 {
			fmt.Println("(none configured)")
			return
		}
		for _, sc := range cfg.Scenarios {
			voice := sc.Voice
			if voice == "" {
				voice = cfg.Live.Voice
			}
			fmt.Printf("  %-20s voice=%s\n", sc.Name, voice)
		}

	default:
		fmt.Printf("unknown command %q — type \"help\"\n", cmd)
	}
}

// resolveScenario picks the instruction and voice for a new session. With no
// name the first configured scenario is used; with no scenarios at all a
// generic tutoring instruction applies.
func resolveScenario(cfg *config.Config, name string) (instruction, voice string, err error) {
	const defaultInstruction = "You are a friendly speaking-practice tutor. " +
		"Hold a natural conversation with the learner and gently correct mistakes."

	voice = cfg.Live.Voice
	switch {
	case name != "":
		sc, ok := cfg.Scenario(name)
		if !ok {
			return "", "", fmt.Errorf("unknown scenario %q — see \"scenarios\"", name)
		}
		instruction = sc.Instruction
		if sc.Voice != "" {
			voice = sc.Voice
		}
	case len(cfg.Scenarios) > 0:
		sc := cfg.Scenarios[0]
		instruction = sc.Instruction
		if sc.Voice != "" {
			voice = sc.Voice
		}
	default:
		instruction = defaultInstruction
	}
	return instruction, voice, nil
}

// printTurns renders finalized turns. Also used as the controller's turn
// callback, so it prints conversation progress as it happens.
func printTurns(records []turns.Record) {
	for _, r := range records {
		switch {
		case r.Role == live.RoleUser:
			fmt.Printf("you>   %s\n", r.Text)
		case r.IsFeedback:
			fmt.Printf("tutor> [feedback]\n%s\n", r.Text)
		default:
			fmt.Printf("tutor> %s\n", r.Text)
		}
	}
}

// levelMeter renders a microphone level in [0, 1] as a ten-segment bar.
func levelMeter(level float64) string {
	const segments = 10
	filled := int(level * segments)
	if filled > segments {
		filled = segments
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", segments-filled) + "]"
}

// ── Config reload ─────────────────────────────────────────────────────────────

// applyConfigChange reacts to a hot config reload: log level changes apply
// immediately, scenario changes are picked up by the next connect.
func applyConfigChange(levelVar *slog.LevelVar, old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.LogLevelChanged {
		levelVar.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, sc := range d.ScenarioChanges {
		switch {
		case sc.Added:
			slog.Info("scenario added", "name", sc.Name)
		case sc.Removed:
			slog.Info("scenario removed", "name", sc.Name)
		default:
			slog.Info("scenario updated", "name", sc.Name,
				"instruction_changed", sc.InstructionChanged,
				"voice_changed", sc.VoiceChanged,
			)
		}
	}
}

func slogLevel(level config.LogLevel) slog.Level {
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
