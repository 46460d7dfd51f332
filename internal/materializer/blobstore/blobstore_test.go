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

package blobstore

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestPutAndReadLocal(t *testing.T) {
	c := NewLocalClient(t.TempDir(), []byte("secret"), "https://blobs.internal/fetch")
	ctx := context.Background()
	if err := c.Put(ctx, "processes/P1/documents/1/a.pdf", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := c.ReadLocal("processes/P1/documents/1/a.pdf")
	if err != nil {
		t.Fatalf("ReadLocal: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestPresignAndVerifyGet(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewLocalClient(t.TempDir(), []byte("secret"), "https://blobs.internal/fetch")
	c.now = func() time.Time { return fixed }

	raw, err := c.PresignGet(context.Background(), "processes/P1/documents/1/a.pdf", time.Hour)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	if !strings.HasPrefix(raw, "https://blobs.internal/fetch/processes/P1/documents/1/a.pdf?") {
		t.Fatalf("unexpected url shape: %s", raw)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	expires, err := ParseExpires(parsed.Query().Get("expires"))
	if err != nil {
		t.Fatalf("ParseExpires: %v", err)
	}
	if expires != fixed.Add(time.Hour).Unix() {
		t.Fatalf("expected expires=%d, got %d", fixed.Add(time.Hour).Unix(), expires)
	}
	sig := parsed.Query().Get("sig")

	if err := c.VerifyGet("processes/P1/documents/1/a.pdf", expires, sig, fixed.Add(30*time.Minute)); err != nil {
		t.Fatalf("VerifyGet should succeed before expiry: %v", err)
	}
}

func TestVerifyGetRejectsExpiredOrTamperedURL(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewLocalClient(t.TempDir(), []byte("secret"), "https://blobs.internal/fetch")
	c.now = func() time.Time { return fixed }

	raw, err := c.PresignGet(context.Background(), "processes/P1/documents/1/a.pdf", time.Minute)
	if err != nil {
		t.Fatalf("PresignGet: %v", err)
	}
	parsed, _ := url.Parse(raw)
	expires, _ := ParseExpires(parsed.Query().Get("expires"))
	sig := parsed.Query().Get("sig")

	if err := c.VerifyGet("processes/P1/documents/1/a.pdf", expires, sig, fixed.Add(time.Hour)); err == nil {
		t.Fatal("expected expired signature to be rejected")
	}

	if err := c.VerifyGet("processes/P1/documents/1/other.pdf", expires, sig, fixed); err == nil {
		t.Fatal("expected signature mismatch for a different key to be rejected")
	}
}

func TestPresignGetRespectsCancelledContext(t *testing.T) {
	c := NewLocalClient(t.TempDir(), []byte("secret"), "https://blobs.internal/fetch")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.PresignGet(ctx, "k", time.Hour); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
