// Command proxy runs the cluster-aware Anthropic-to-OpenAI translation
// proxy: it loads configuration, brings up the cluster manager, and
// serves the Messages API until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clusterproxy/messages-proxy/internal/cluster"
	"github.com/clusterproxy/messages-proxy/internal/config"
	"github.com/clusterproxy/messages-proxy/internal/logging"
	"github.com/clusterproxy/messages-proxy/internal/proxyhttp"
)

func main() {
	configPath := flag.String("config", "", "path to the proxy configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	entry := log.WithField("component", "main")

	manager := cluster.New(cfg, entry)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelInit()
	if err := manager.Init(initCtx); err != nil {
		entry.WithError(err).Fatal("cluster manager init failed")
	}

	server := proxyhttp.New(manager, entry, cfg)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		entry.WithField("addr", cfg.ListenAddr).Info("proxy listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			entry.WithError(err).Error("server exited unexpectedly")
		}
	case <-ctx.Done():
		entry.Info("shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("http server shutdown did not complete cleanly")
	}

	manager.Shutdown()
	entry.Info("proxy stopped")
}
