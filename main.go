package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anubissbe/remote-docker-continued/internal/config"
	"github.com/anubissbe/remote-docker-continued/internal/connmgr"
	"github.com/anubissbe/remote-docker-continued/internal/database"
	"github.com/anubissbe/remote-docker-continued/internal/dockerremote"
	"github.com/anubissbe/remote-docker-continued/internal/environment"
	"github.com/anubissbe/remote-docker-continued/internal/handlers"
	"github.com/anubissbe/remote-docker-continued/internal/lifecycle"
	"github.com/anubissbe/remote-docker-continued/internal/logging"
	"github.com/anubissbe/remote-docker-continued/internal/sshkeys"
	"github.com/anubissbe/remote-docker-continued/internal/sshtunnel"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func main() {
	config.Load()

	socketPath := flag.String("socket", config.Cfg.SocketPath, "Unix domain socket to listen on")
	flag.Parse()

	logging.Init(config.Cfg.LogPath, config.Cfg.LogLevel)

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	store := database.NewStore(database.DB)
	if config.Cfg.CatalogFile != "" {
		if err := seedCatalog(store, config.Cfg.CatalogFile); err != nil {
			log.WithError(err).Warn("Catalog file not applied")
		}
	}

	// SSH credentials
	if err := sshkeys.EnsureKeyPair(config.Cfg.KeyDir()); err != nil {
		log.Fatalf("SSH key init: %v", err)
	}
	signers, err := sshkeys.LoadSigners(config.Cfg.KeyDir())
	if err != nil {
		log.Fatalf("Load SSH keys: %v", err)
	}
	hostKeys, err := sshkeys.AcceptNewHostKeyCallback(config.Cfg.KnownHostsPath())
	if err != nil {
		log.Fatalf("Known hosts: %v", err)
	}

	tunnels := sshtunnel.New(sshtunnel.Options{
		Signers:           signers,
		HostKeyCallback:   hostKeys,
		ConnectTimeout:    config.Cfg.SSHConnectTimeout,
		KeepaliveInterval: config.Cfg.SSHKeepaliveInterval,
		DefaultPort:       config.Cfg.SSHPort,
		UseAgent:          true,
	})
	log.Infof("SSH tunnel service initialized (%d signers)", len(signers))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	bus := lifecycle.NewBus()
	mgr := connmgr.New(store, tunnels, connmgr.Options{
		CheckInterval:  config.Cfg.CheckInterval,
		RegainDebounce: config.Cfg.RegainDebounce,
		Lifecycle:      bus,
		Registerer:     registry,
	})
	tunnels.SetKeepOpen(mgr.IsActiveHost)

	if err := tunnels.StartIdleCleanup(config.Cfg.IdleCheckSchedule, config.Cfg.IdleTimeout); err != nil {
		log.WithError(err).Warn("Idle tunnel cleanup disabled")
	}

	handlers.ConnMgr = mgr
	handlers.Tunnels = tunnels
	handlers.Lifecycle = bus
	handlers.Docker = dockerremote.New(tunnels, config.Cfg.DockerSocket)
	handlers.WireEvents(mgr)

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("Connection manager start: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/hello", handlers.Hello)
	r.Get("/health", handlers.HealthCheck)

	r.Get("/settings", handlers.GetSettings)
	r.Post("/settings", handlers.UpdateSettings)
	r.Put("/settings/auto-connect", handlers.SetAutoConnect)
	r.Post("/environments", handlers.AddEnvironment)
	r.Post("/environment/select", handlers.SelectEnvironment)
	r.Get("/environment/active", handlers.GetActiveEnvironment)

	r.Route("/tunnel", func(r chi.Router) {
		r.Get("/state", handlers.GetTunnelState)
		r.Get("/transitions", handlers.GetTunnelTransitions)
		r.Get("/status", handlers.GetTunnelStatus)
		r.Get("/list", handlers.ListTunnels)
		r.Post("/disconnect", handlers.DisconnectTunnel)
		r.Post("/reconnect", handlers.ReconnectTunnel)
	})

	r.Post("/lifecycle/{event}", handlers.PublishLifecycle)
	r.Get("/events", handlers.StateEvents)
	r.Get("/docker/info", handlers.GetDockerInfo)

	r.Get("/logs", handlers.GetServerLogs)
	r.Delete("/logs", handlers.ClearServerLogs)

	if config.Cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	ln, err := listenUnix(*socketPath)
	if err != nil {
		log.Fatalf("Listen on %s: %v", *socketPath, err)
	}

	srv := &http.Server{Handler: r}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infof("Server starting on %s", *socketPath)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Info("Shutting down...")

	mgr.Stop()
	if err := tunnels.CloseAll(); err != nil {
		log.Warnf("SSH tunnel shutdown: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown: %v", err)
	}
	os.Remove(*socketPath)
}

// listenUnix binds the socket, removing a stale one left by a previous run.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", path)
}

// seedCatalog merges environments from a YAML catalog into the stored
// settings. Existing entries win.
func seedCatalog(store *database.Store, path string) error {
	ctx := context.Background()

	catalog, autoConnect, err := environment.LoadCatalogFile(path)
	if err != nil {
		return err
	}
	current, err := store.Load(ctx)
	if err != nil {
		return err
	}

	merged, added := environment.Merge(current, catalog)
	if autoConnect != nil {
		merged.AutoConnect = *autoConnect
	}
	if added == 0 && merged.AutoConnect == current.AutoConnect {
		return nil
	}
	if err := store.Save(ctx, merged); err != nil {
		return err
	}
	log.WithFields(log.Fields{"file": path, "added": added}).Info("Catalog file applied")
	return nil
}
