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

package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValidOnceSigningSecretIsSet(t *testing.T) {
	c := Default()
	c.BlobSigningSecret = "s3cr3t"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
	if c.BatchSize != 5 || c.MaxAttempts != 3 || c.WebhookMaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MATERIALIZER_HTTP_ADDR", ":9999")
	t.Setenv("WORKER_COUNT", "7")
	t.Setenv("BATCH_SIZE", "not-a-number")
	t.Setenv("ALLOW_LOOPBACK_HTTP_WEBHOOKS", "false")
	t.Setenv("UPSTREAM_TIMEOUT", "15s")

	c := Load()
	if c.HTTPAddr != ":9999" {
		t.Fatalf("expected overridden addr, got %s", c.HTTPAddr)
	}
	if c.WorkerCount != 7 {
		t.Fatalf("expected overridden worker count, got %d", c.WorkerCount)
	}
	if c.BatchSize != Default().BatchSize {
		t.Fatalf("expected unparsable int to fall back to default, got %d", c.BatchSize)
	}
	if c.AllowLoopbackHTTP != false {
		t.Fatalf("expected loopback disabled, got %v", c.AllowLoopbackHTTP)
	}
	if c.UpstreamTimeout != 15*time.Second {
		t.Fatalf("expected 15s timeout, got %v", c.UpstreamTimeout)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
	}{
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"zero max attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"zero webhook attempts", func(c *Config) { c.WebhookMaxAttempts = 0 }},
		{"empty upstream base url", func(c *Config) { c.UpstreamBaseURL = "  " }},
		{"empty signing secret", func(c *Config) { c.BlobSigningSecret = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			c.BlobSigningSecret = "s3cr3t"
			tc.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLogFieldsRedactsSigningSecret(t *testing.T) {
	c := Default()
	c.BlobSigningSecret = "super-secret-value"
	fields := c.LogFields()

	var found bool
	for _, f := range fields {
		s, ok := f.(interface{ String() string })
		if !ok {
			continue
		}
		if strings.Contains(s.String(), "blob_signing_secret") {
			found = true
			if strings.Contains(s.String(), "super-secret-value") {
				t.Fatalf("expected secret to be redacted, got %s", s.String())
			}
		}
	}
	if !found {
		t.Fatal("expected a blob_signing_secret field to be present")
	}
}
