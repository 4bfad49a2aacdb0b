package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lantern/internal/config"
	"lantern/internal/handler"
	"lantern/internal/hub"
	"lantern/internal/notify"
	"lantern/internal/probe"
	"lantern/internal/repository/sqlite"
	"lantern/internal/resolve"
	"lantern/internal/scan"
	"lantern/internal/service"
)

func main() {
	configPath := flag.String("config", "", "Config file path (overrides $LANTERN_CONFIG)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting Lantern server...")

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if path != "" {
		log.Printf("Config loaded from %s", path)
	} else {
		log.Println("No config file found, using defaults")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	repo, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer repo.Close()
	log.Printf("Database opened: %s", cfg.Database.Path)

	// Event bus feeds the SSE hub.
	eventBus := service.NewEventBus()
	sseHub := hub.New()
	go sseHub.Run()

	eventChan := make(chan service.Event, 100)
	eventBus.Subscribe(eventChan)
	go func() {
		for event := range eventChan {
			sseHub.Broadcast(event)
		}
	}()

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notifications.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notifications.WebhookURL)
		log.Printf("Webhook notifications enabled: %s", cfg.Notifications.WebhookURL)
	}

	prober := probe.NewNmapProber()

	// Resolvers ordered by priority: mDNS, then SSDP, then reverse DNS,
	// then NetBIOS.
	resolvers := []resolve.Resolver{
		resolve.NewMDNSResolver(),
		resolve.NewSSDPResolver(),
		resolve.NewDNSResolver(cfg.DNSServer),
		resolve.NewNetBIOSResolver(),
	}

	orch := scan.New(repo, prober, resolvers, notifier, eventBus,
		scan.WithSubnet(cfg.Subnet),
		scan.WithNotifyPolicy(scan.NotifyPolicy{
			OnNewDevice: cfg.Notifications.OnNewDevice,
			OnIPChange:  cfg.Notifications.OnIPChange,
			OnOnline:    cfg.Notifications.OnOnline,
			OnOffline:   cfg.Notifications.OnOffline,
		}))

	scanCtx, scanCancel := context.WithCancel(context.Background())
	defer scanCancel()
	go scan.NewScheduler(orch, cfg.ScanInterval.Duration()).Run(scanCtx)
	log.Printf("Discovery scheduler started (interval %s)", cfg.ScanInterval.Duration())

	deviceHandler := handler.NewDeviceHandler(repo, orch)

	mux := http.NewServeMux()
	deviceHandler.Register(mux)
	mux.Handle("GET /api/events/stream", sseHub)

	finalHandler := handler.Chain(mux,
		handler.Recover,
		handler.CORS,
		handler.Logger,
	)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      finalHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	scanCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}
