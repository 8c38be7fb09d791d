package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kfaryarok/abuela/internal/api"
	"github.com/kfaryarok/abuela/internal/bootstrap"
	"github.com/kfaryarok/abuela/internal/config"
	"github.com/kfaryarok/abuela/internal/observability"
	"github.com/kfaryarok/abuela/internal/watch"
)

func main() {
	fs := flag.NewFlagSet("abuela", flag.ExitOnError)
	listen := fs.String("listen", "", "HTTP listen address (overrides ABUELA_LISTEN_ADDR)")
	watchFile := fs.String("watch", "", "file edited by an external editor to preview")
	open := fs.Bool("open", false, "compile the existing working file once at startup")
	saveSettings := fs.Bool("save-settings", true, "write the effective settings back on exit")
	_ = fs.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *watchFile != "" {
		cfg.WatchFile = *watchFile
	}

	agent, err := bootstrap.NewAgent(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap agent: %v", err)
	}
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), observability.Session{
		ID:         agent.SessionID,
		Compiler:   cfg.Compiler,
		Resolution: cfg.Resolution,
	})
	if err != nil {
		log.Printf("tracing disabled due to config error: %v", err)
	}

	// a watched file delivers its initial content itself
	if *open && cfg.WatchFile == "" {
		if _, err := agent.Project.Open(); err != nil {
			log.Printf("open working file failed: %v", err)
		} else {
			agent.Orchestrator.Trigger(agent.Project.Body())
		}
	}
	if cfg.WatchFile != "" {
		go func() {
			_ = watch.Watch(ctx, cfg.WatchFile, cfg.WatchInterval, func(text string) {
				agent.Orchestrator.NotifyChange(text)
			})
		}()
		log.Printf("watching file=%s interval=%s", cfg.WatchFile, cfg.WatchInterval)
	}

	server := api.NewServer(agent.Orchestrator, agent.SessionID, agent.Metrics)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("abuela preview agent listening on %s session=%s", cfg.ListenAddr, agent.SessionID)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := agent.Shutdown(); err != nil {
		log.Printf("session cleanup incomplete: %v", err)
	}
	if *saveSettings {
		if err := config.SaveSettings(cfg.SettingsFile, config.SettingsFrom(cfg)); err != nil {
			log.Printf("save settings failed: %v", err)
		}
	}
	if shutdownTracing != nil {
		_ = shutdownTracing(shutdownCtx)
	}
}
