// Command orchestrator is the connection orchestrator daemon for a
// multi-speaker Bluetooth audio hub. Run with -mock to exercise the whole
// stack without a real BlueZ/PulseAudio environment, or with -apply <file>
// for a one-shot applyConfiguration invocation suitable for scripting.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/speakerhub/orchestrator/internal/api"
	"github.com/speakerhub/orchestrator/internal/audio"
	"github.com/speakerhub/orchestrator/internal/bluetooth"
	"github.com/speakerhub/orchestrator/internal/config"
	"github.com/speakerhub/orchestrator/internal/events"
	"github.com/speakerhub/orchestrator/internal/executor"
	"github.com/speakerhub/orchestrator/internal/models"
	"github.com/speakerhub/orchestrator/internal/orchestrator"
	"github.com/speakerhub/orchestrator/internal/watchdog"
)

func main() {
	var (
		mock   = flag.Bool("mock", false, "use mock Bluetooth and audio adapters (no BlueZ/PulseAudio required)")
		addr   = flag.String("addr", ":8080", "HTTP listen address for the local debug surface")
		cfgDir = flag.String("config-dir", "", "config directory (default: ~/.config/orchestrator)")
		debug  = flag.Bool("debug", false, "enable debug logging")
		apply  = flag.String("apply", "", "apply the Configuration JSON file and exit instead of running as a daemon")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if *cfgDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("cannot determine home directory", "err", err)
			os.Exit(1)
		}
		*cfgDir = filepath.Join(home, ".config", "orchestrator")
	}
	if err := os.MkdirAll(*cfgDir, 0755); err != nil {
		slog.Error("cannot create config directory", "path", *cfgDir, "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bt, audioAdp, err := buildAdapters(*mock)
	if err != nil {
		slog.Error("adapter initialization failed", "err", err)
		os.Exit(1)
	}

	cfgStore, err := config.NewJSONStore(*cfgDir, func(s config.Settings) {
		slog.Info("config: settings reloaded", "reservedController", s.ReservedController)
	})
	if err != nil {
		slog.Error("config store initialization failed", "err", err)
		os.Exit(1)
	}
	defer cfgStore.Close()

	facade := orchestrator.New(bt, audioAdp, executor.DefaultSettings(), cfgStore)

	if *apply != "" {
		runApplyOnce(ctx, facade, *apply)
		return
	}

	bus := events.NewBus()

	wd, err := watchdog.New(facade, cfgStore.Current().WatchdogCron)
	if err != nil {
		slog.Error("watchdog initialization failed", "err", err)
		os.Exit(1)
	}
	wd.Start()
	defer wd.Stop(context.Background())

	router := api.NewRouter(facade, bus)
	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout, needed for SSE
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("orchestrator listening", "addr", *addr, "mock", *mock, "config", *cfgDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	slog.Info("shutdown complete")
}

func buildAdapters(mock bool) (bluetooth.Adapter, audio.Adapter, error) {
	if mock {
		slog.Info("using mock Bluetooth and audio adapters")
		return bluetooth.NewMock(
			models.Controller{MAC: "00:00:00:00:00:00", Role: models.RoleReservedBLE},
			models.Controller{MAC: "AA:AA:AA:AA:AA:01", Role: models.RoleAudio},
			models.Controller{MAC: "AA:AA:AA:AA:AA:02", Role: models.RoleAudio},
		), audio.NewMock(), nil
	}

	slog.Info("using real BlueZ/D-Bus and pactl adapters")
	bt, err := bluetooth.NewDBusClient()
	if err != nil {
		return nil, nil, err
	}
	return bt, audio.NewPactlClient(), nil
}

// runApplyOnce drives a single applyConfiguration call from a JSON file and
// exits with a code describing the outcome: 0 success, 2 usage, 3 no
// controllers, 4 audio unavailable, other non-zero for unexpected errors.
func runApplyOnce(ctx context.Context, facade *orchestrator.Facade, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("cannot read configuration file", "path", path, "err", err)
		os.Exit(2)
	}

	var cfg models.Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Error("invalid configuration JSON", "path", path, "err", err)
		os.Exit(2)
	}

	result, err := facade.ApplyConfiguration(ctx, cfg)
	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	}

	if err == nil {
		os.Exit(0)
	}

	if appErr, ok := err.(*models.AppError); ok {
		slog.Error("apply failed", "code", appErr.Code, "err", appErr.Message)
		os.Exit(appErr.ExitCode)
	}
	slog.Error("apply failed", "err", err)
	os.Exit(1)
}
