// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"materializer/internal/materializer/api"
	"materializer/internal/materializer/blobstore"
	"materializer/internal/materializer/broker"
	"materializer/internal/materializer/config"
	"materializer/internal/materializer/logging"
	"materializer/internal/materializer/metrics"
	"materializer/internal/materializer/projection"
	"materializer/internal/materializer/scheduler"
	"materializer/internal/materializer/statusmgr"
	"materializer/internal/materializer/store"
	"materializer/internal/materializer/upstream"
	"materializer/internal/materializer/webhook"
	"materializer/internal/materializer/worker"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel)
	log = log.With("component", "materializer-controller")

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	log.Info("starting materializer controller", cfg.LogFields()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	br := broker.New(st.DB())
	if err := br.Migrate(ctx); err != nil {
		log.Error("failed to migrate broker tables", "err", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.BlobRoot, 0o755); err != nil {
		log.Error("failed to create blob root", "err", err)
		os.Exit(1)
	}
	blob := blobstore.NewLocalClient(cfg.BlobRoot, []byte(cfg.BlobSigningSecret), cfg.BlobBaseURL)

	upstreamClient := upstream.NewHTTPClient(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)

	policy := statusmgr.DefaultWebhookURLPolicy()
	policy.AllowLoopbackHTTP = cfg.AllowLoopbackHTTP

	sched := scheduler.New(st, br, upstreamClient, blob, policy, cfg.BlobURLTTL)
	proj := projection.New(st, blob, cfg.BlobURLTTL)

	dispatcher := webhook.New(webhook.Config{
		MaxAttempts:    cfg.WebhookMaxAttempts,
		BackoffBase:    cfg.RetryBackoffBase,
		AttemptTimeout: cfg.WebhookTimeout,
		Policy:         policy,
	}, log)

	workerCtx, workerCancel := context.WithCancel(ctx)
	for i := 0; i < cfg.WorkerCount; i++ {
		wk := worker.New(worker.Config{
			WorkerID:    fmt.Sprintf("worker-%d", i+1),
			BatchSize:   cfg.BatchSize,
			MaxAttempts: cfg.MaxAttempts,
			BackoffBase: cfg.RetryBackoffBase,
			BlobURLTTL:  cfg.BlobURLTTL,
			LeaseTTL:    cfg.BrokerLeaseTTL,
		}, st, br, upstreamClient, blob, dispatcher, log)
		go wk.Run(workerCtx, 2*time.Second)
	}

	handler := api.New(sched, proj, policy, 10*time.Second, log)
	mux := http.NewServeMux()
	handler.Mount(mux)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-errCh:
		log.Error("server error", "err", err)
	}

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	} else {
		log.Info("server stopped gracefully")
	}
}
