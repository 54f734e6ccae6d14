/*
Copyright 2024 WebSSH Gateway Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command gateway runs the browser-to-SSH websocket gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	gateway "github.com/webssh/gateway"
	"github.com/webssh/gateway/lib/config"
	"github.com/webssh/gateway/lib/handshake"
	"github.com/webssh/gateway/lib/metrics"
	"github.com/webssh/gateway/lib/session"
	"github.com/webssh/gateway/lib/web"
)

func main() {
	app := kingpin.New("gateway", "Browser to SSH websocket gateway.")
	app.Version(gateway.Version)

	start := app.Command("start", "Start the gateway.").Default()
	listenAddr := start.Flag("listen", "Listen address, overrides GATEWAY_LISTEN_ADDR.").String()
	debug := start.Flag("debug", "Enable debug logging.").Short('d').Bool()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	switch command {
	case start.FullCommand():
		if err := run(*listenAddr, *debug); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", trace.UserMessage(err))
			os.Exit(1)
		}
	}
}

func run(listenAddr string, debug bool) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	log := cfg.InitLogging()
	log.WithFields(logrus.Fields{
		gateway.ComponentKey: gateway.ComponentConfig,
		"listen_addr":        cfg.ListenAddr,
		"session_ttl":        cfg.SessionTTL,
	}).Debug("Configuration resolved from environment.")

	var registry *session.Registry
	registry, err = session.NewRegistry(session.RegistryConfig{
		DetachTTL: cfg.SessionTTL,
		Log:       log,
		OnDestroy: func(sessionID, reason string) {
			metrics.ActiveSessions.Set(float64(registry.Len()))
			metrics.DetachedSessions.Set(float64(registry.DetachedLen()))
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}

	pending, err := handshake.NewPending(handshake.PendingConfig{Log: log})
	if err != nil {
		return trace.Wrap(err)
	}

	var keys *handshake.KeyRing
	if cfg.EncryptionKey != "" {
		keys, err = handshake.NewKeyRing([]byte(cfg.EncryptionKey))
		if err != nil {
			return trace.Wrap(err)
		}
	} else {
		log.Warn("ENCRYPTION_KEY is not set, the secure connect flow is disabled.")
	}

	server, err := web.NewServer(web.ServerConfig{
		Registry:       registry,
		Pending:        pending,
		Keys:           keys,
		MaxMessageSize: cfg.MaxMessageSize,
		MaxUploadSize:  cfg.MaxUploadSize,
		Log:            log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return trace.Wrap(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go pending.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"listen_addr": cfg.ListenAddr,
			"version":     gateway.Version,
		}).Info("Gateway starting.")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	log.Info("Shutting down.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown did not complete cleanly.")
	}
	registry.Close()
	return nil
}
