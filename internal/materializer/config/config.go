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

// Package config loads runtime configuration for the materializer
// controller from environment variables, with defaults aligned to the
// design docs. There is no flag layer here (the controller only ever
// runs as a long-lived service, never a one-shot CLI invocation), but
// the getenv* helpers follow the same shape as the rest of this
// codebase's entrypoints.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"materializer/pkg/crypto"
)

// Config holds everything the materializer controller needs to wire
// its components together.
type Config struct {
	HTTPAddr          string        // MATERIALIZER_HTTP_ADDR
	DBPath            string        // DB_PATH
	BlobRoot          string        // BLOB_ROOT
	BlobBaseURL       string        // BLOB_BASE_URL
	BlobSigningSecret string        // BLOB_SIGNING_SECRET (do not log value)
	UpstreamBaseURL   string        // UPSTREAM_BASE_URL
	UpstreamTimeout   time.Duration // UPSTREAM_TIMEOUT
	WorkerCount       int           // WORKER_COUNT
	BatchSize         int           // BATCH_SIZE
	MaxAttempts       int           // MAX_ATTEMPTS
	RetryBackoffBase  time.Duration // RETRY_BACKOFF_BASE
	BrokerLeaseTTL    time.Duration // BROKER_LEASE_TTL
	WebhookMaxAttempts int          // WEBHOOK_MAX_ATTEMPTS
	WebhookTimeout    time.Duration // WEBHOOK_TIMEOUT
	AllowLoopbackHTTP bool          // ALLOW_LOOPBACK_HTTP_WEBHOOKS
	BlobURLTTL        time.Duration // BLOB_URL_TTL
	LogLevel          string        // LOG_LEVEL
}

// Default returns sane defaults matching the specification's tunables
// (B=5, R=3, backoff base=2s, W=3, 1h presign TTL).
func Default() Config {
	return Config{
		HTTPAddr:           ":8080",
		DBPath:             "./materializer.db",
		BlobRoot:           "./var/materializer/blobs",
		BlobBaseURL:        "http://localhost:8080/blobs",
		BlobSigningSecret:  "",
		UpstreamBaseURL:    "http://localhost:9090/api",
		UpstreamTimeout:    60 * time.Second,
		WorkerCount:        2,
		BatchSize:          5,
		MaxAttempts:        3,
		RetryBackoffBase:   2 * time.Second,
		BrokerLeaseTTL:     2 * time.Minute,
		WebhookMaxAttempts: 3,
		WebhookTimeout:     30 * time.Second,
		AllowLoopbackHTTP:  true,
		BlobURLTTL:         time.Hour,
		LogLevel:           "info",
	}
}

// Load builds a Config from environment variables, falling back to
// Default()'s values for anything unset or unparsable.
func Load() Config {
	def := Default()
	return Config{
		HTTPAddr:           getenv("MATERIALIZER_HTTP_ADDR", def.HTTPAddr),
		DBPath:             getenv("DB_PATH", def.DBPath),
		BlobRoot:           getenv("BLOB_ROOT", def.BlobRoot),
		BlobBaseURL:        getenv("BLOB_BASE_URL", def.BlobBaseURL),
		BlobSigningSecret:  getenv("BLOB_SIGNING_SECRET", def.BlobSigningSecret),
		UpstreamBaseURL:    getenv("UPSTREAM_BASE_URL", def.UpstreamBaseURL),
		UpstreamTimeout:    getenvDuration("UPSTREAM_TIMEOUT", def.UpstreamTimeout),
		WorkerCount:        getenvInt("WORKER_COUNT", def.WorkerCount),
		BatchSize:          getenvInt("BATCH_SIZE", def.BatchSize),
		MaxAttempts:        getenvInt("MAX_ATTEMPTS", def.MaxAttempts),
		RetryBackoffBase:   getenvDuration("RETRY_BACKOFF_BASE", def.RetryBackoffBase),
		BrokerLeaseTTL:     getenvDuration("BROKER_LEASE_TTL", def.BrokerLeaseTTL),
		WebhookMaxAttempts: getenvInt("WEBHOOK_MAX_ATTEMPTS", def.WebhookMaxAttempts),
		WebhookTimeout:     getenvDuration("WEBHOOK_TIMEOUT", def.WebhookTimeout),
		AllowLoopbackHTTP:  getenvBool("ALLOW_LOOPBACK_HTTP_WEBHOOKS", def.AllowLoopbackHTTP),
		BlobURLTTL:         getenvDuration("BLOB_URL_TTL", def.BlobURLTTL),
		LogLevel:           getenv("LOG_LEVEL", def.LogLevel),
	}
}

// Validate rejects configurations that would fail eagerly at wiring
// time rather than deep inside a worker goroutine.
func (c Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: WORKER_COUNT must be >= 1, got %d", c.WorkerCount)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: BATCH_SIZE must be >= 1, got %d", c.BatchSize)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("config: WEBHOOK_MAX_ATTEMPTS must be >= 1, got %d", c.WebhookMaxAttempts)
	}
	if strings.TrimSpace(c.UpstreamBaseURL) == "" {
		return fmt.Errorf("config: UPSTREAM_BASE_URL must not be empty")
	}
	if strings.TrimSpace(c.BlobSigningSecret) == "" {
		return fmt.Errorf("config: BLOB_SIGNING_SECRET must not be empty")
	}
	return nil
}

// LogFields returns the configuration as slog attributes, with secret
// fields redacted rather than omitted, matching the rest of this
// codebase's "show shape, hide value" convention for credentials.
func (c Config) LogFields() []any {
	return []any{
		slog.String("http_addr", c.HTTPAddr),
		slog.String("db_path", c.DBPath),
		slog.String("blob_root", c.BlobRoot),
		slog.String("blob_base_url", c.BlobBaseURL),
		slog.String("blob_signing_secret", crypto.RedactSecret(c.BlobSigningSecret)),
		slog.String("upstream_base_url", c.UpstreamBaseURL),
		slog.Duration("upstream_timeout", c.UpstreamTimeout),
		slog.Int("worker_count", c.WorkerCount),
		slog.Int("batch_size", c.BatchSize),
		slog.Int("max_attempts", c.MaxAttempts),
		slog.Duration("retry_backoff_base", c.RetryBackoffBase),
		slog.Duration("broker_lease_ttl", c.BrokerLeaseTTL),
		slog.Int("webhook_max_attempts", c.WebhookMaxAttempts),
		slog.Duration("webhook_timeout", c.WebhookTimeout),
		slog.Bool("allow_loopback_http_webhooks", c.AllowLoopbackHTTP),
		slog.Duration("blob_url_ttl", c.BlobURLTTL),
		slog.String("log_level", c.LogLevel),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
