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

// Package webhook is the Webhook Dispatcher: delivers one notification
// payload to a caller-supplied URL with bounded retry and strict
// success discipline. This and the per-document loop in worker are the
// only two places this codebase retries; nothing else does.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"materializer/internal/materializer/retryutil"
	"materializer/internal/materializer/statusmgr"
	pm "materializer/internal/materializer/metrics"
)

// FailureClass categorizes why a delivery attempt failed, per §4.4.
type FailureClass string

const (
	FailureTimeout     FailureClass = "TIMEOUT"
	FailureConnect     FailureClass = "CONNECT_ERROR"
	FailureTLS         FailureClass = "TLS_ERROR"
	FailureHTTPStatus  FailureClass = "HTTP_STATUS"
	FailureOther       FailureClass = "OTHER"
)

const (
	defaultAttempts       = 3
	defaultBackoffBase    = 2 * time.Second
	defaultAttemptTimeout = 30 * time.Second
)

// Document is the per-document entry embedded in the webhook payload
// and in the ProcessStatus projection (§6.2, §6.3).
type Document struct {
	ID           string `json:"id"`
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Status       string `json:"status"`
	DownloadURL  string `json:"download_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Payload is the JSON body sent to the caller's webhookUrl (§6.2).
type Payload struct {
	ProcessNumber      string     `json:"process_number"`
	JobID              string     `json:"job_id"`
	Status             string     `json:"status"` // "completed" | "failed"
	TotalDocuments     int        `json:"total_documents"`
	CompletedDocuments int        `json:"completed_documents"`
	FailedDocuments    int        `json:"failed_documents"`
	CompletedAt        time.Time  `json:"completed_at"`
	Documents          []Document `json:"documents"`
}

// Outcome is the result of a dispatch attempt sequence.
type Outcome struct {
	Success        bool
	Attempts       int
	LastStatusCode int
	LastError      string
	SentAt         *time.Time
}

// Config tunes the bounded retry/backoff/timeout behaviour. Zero
// values fall back to the spec defaults (W=3, base=2s, 30s timeout).
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	AttemptTimeout time.Duration
	Policy         statusmgr.WebhookURLPolicy
}

// Dispatcher sends webhook notifications.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
	now    func() time.Time
}

// New builds a Dispatcher. TLS verification is always enabled; there
// is no configuration knob to disable it, per §4.4's "no bypass"
// requirement.
func New(cfg Config, log *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	return &Dispatcher{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.AttemptTimeout,
			// 3xx is failure, not success; never follow it.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch sends payload to targetURL, retrying per §4.4. targetURL is
// assumed already validated by statusmgr at admission time, but is
// re-validated here as a defense-in-depth measure matching the spec's
// "validated by both Scheduler at admission and Dispatcher at send."
func (d *Dispatcher) Dispatch(ctx context.Context, targetURL, jobID string, payload Payload) Outcome {
	if err := d.cfg.Policy.ValidateWebhookURL(targetURL); err != nil {
		return Outcome{Success: false, LastError: err.Error()}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{Success: false, LastError: fmt.Sprintf("encode payload: %v", err)}
	}
	deliveryID := uuid.NewString()

	var outcome Outcome
	delay := retryutil.ExponentialBackoff(d.cfg.BackoffBase, 2, 0)
	_ = retryutil.Do(ctx, retryutil.Policy{
		MaxAttempts: d.cfg.MaxAttempts,
		Delay:       delay,
		OnAttempt: func(a retryutil.Attempt) {
			pm.ObserveWebhookAttempt(a.Err == nil, a.Elapsed)
		},
	}, func(ctx context.Context, attempt int) error {
		status, class, sendErr := d.send(ctx, targetURL, jobID, deliveryID, attempt, body)
		outcome.Attempts = attempt
		outcome.LastStatusCode = status
		if sendErr != nil {
			outcome.LastError = sendErr.Error()
			d.log.Warn("webhook attempt failed", "job_id", jobID, "attempt", attempt, "class", class, "status", status, "err", sendErr)
			return sendErr
		}
		outcome.Success = true
		sentAt := d.now()
		outcome.SentAt = &sentAt
		return nil
	})

	return outcome
}

func (d *Dispatcher) send(ctx context.Context, targetURL, jobID, deliveryID string, attempt int, body []byte) (int, FailureClass, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return 0, FailureOther, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-Id", jobID)
	req.Header.Set("X-Delivery-Id", deliveryID)
	req.Header.Set("X-Timestamp", d.now().Format(time.RFC3339))
	req.Header.Set("X-Attempt", fmt.Sprintf("%d", attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, classifyError(err), err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, "", nil
	}
	return resp.StatusCode, FailureHTTPStatus, fmt.Errorf("webhook responded with status %d", resp.StatusCode)
}

func classifyError(err error) FailureClass {
	if err == nil {
		return ""
	}
	var nerr net.Error
	if e, ok := err.(net.Error); ok {
		nerr = e
		if nerr.Timeout() {
			return FailureTimeout
		}
	}
	var tlsErr *tls.CertificateVerificationError
	if isTLSError(err, &tlsErr) {
		return FailureTLS
	}
	return FailureConnect
}

func isTLSError(err error, target **tls.CertificateVerificationError) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if t, ok := e.(*tls.CertificateVerificationError); ok {
			*target = t
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
