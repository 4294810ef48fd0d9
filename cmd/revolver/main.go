// Command revolver boots the gateway: load config, assemble a Gateway,
// start the dynamic-config poller (if enabled), serve HTTP with access
// logging, and shut down gracefully on SIGINT/SIGTERM. The overall shape
// — flag-driven config path, logrus level from config, signal-driven
// Stop with a drain grace period — follows gizmo's server.Init/Run/Stop
// and SetLogLevel.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	log "github.com/sirupsen/logrus"

	"github.com/relaycore/revolver-gateway/config"
	"github.com/relaycore/revolver-gateway/internal/dynamicconfig"
	"github.com/relaycore/revolver-gateway/internal/gateway"
)

func main() {
	configPath := flag.String("config", "", "path to a revolver config file, or a consul:key/path reference")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("revolver: unable to load config")
	}
	setLogLevel(cfg.Revolver.LogLevel)

	if err := cfg.Revolver.Validate(); err != nil {
		log.WithError(err).Fatal("revolver: invalid config")
	}

	gw, err := gateway.New(cfg.Revolver)
	if err != nil {
		log.WithError(err).Fatal("revolver: unable to assemble gateway")
	}
	defer gw.Close()

	var poller *dynamicconfig.Poller
	if cfg.Revolver.DynamicConfig && cfg.Revolver.DynamicConfigURL != "" {
		poller = dynamicconfig.New(
			cfg.Revolver.DynamicConfigURL,
			time.Duration(cfg.Revolver.ConfigPollIntervalSeconds)*time.Second,
			gw.Reload,
		)
		poller.Start()
		defer poller.Stop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Revolver.HTTPAddr, cfg.Revolver.HTTPPort)
	handler := handlers.CombinedLoggingHandler(os.Stdout, gw.Handlers.NewMux())
	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		log.WithField("addr", addr).Info("revolver: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("revolver: server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.WithField("signal", sig).Info("revolver: shutting down")

	grace := time.Duration(cfg.Revolver.ShutdownGraceSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("revolver: graceful shutdown did not complete in time")
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "fatal":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
