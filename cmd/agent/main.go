package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/activate"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/api"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/bridge"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/cdp"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/config"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/notify"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/observe"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load agent config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("agent config loaded",
		"cdp_url", cfg.GetCDPURL(),
		"bind_addr", cfg.BindAddr,
		"portal_tab_filter", cfg.PortalTabFilter,
		"consumer_url", cfg.ConsumerURL,
		"expiry_buffer_seconds", cfg.ExpiryBufferSeconds,
		"discovery_wait_seconds", cfg.DiscoveryWaitSeconds,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	hosts, err := observe.LoadHostFilter(cfg.HostRulesPath)
	if err != nil {
		slog.Error("failed to load host rules", "path", cfg.HostRulesPath, "error", err)
		os.Exit(1)
	}
	slog.Info("api host allow-list ready", "patterns", len(hosts.Patterns()))

	state := session.New()
	broker := bridge.NewBroker()
	registry := cdp.NewTabRegistry()
	observer := observe.NewObserver(state, broker, hosts, registry,
		time.Duration(cfg.ExpiryBufferSeconds)*time.Second)

	cdpClient := cdp.NewClient(cfg, observer, registry, state)
	if err := cdpClient.Connect(context.Background()); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.GetCDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() { _ = cdpClient.Close() }()

	notifier := notify.New(cfg.NotifyEndpoint, http.DefaultClient)
	ctrl := activate.NewController(state, cdpClient, notifier, cfg)

	h := api.NewServer(api.Deps{
		Service:      ctrl,
		State:        state,
		Broker:       broker,
		Agent:        ctrl,
		ExpiryBuffer: time.Duration(cfg.ExpiryBufferSeconds) * time.Second,
	})

	srv := &http.Server{Addr: cfg.BindAddr, Handler: h}

	go func() {
		slog.Info("agent listening", "addr", cfg.BindAddr, "docs", "http://"+cfg.BindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("agent server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("agent shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
