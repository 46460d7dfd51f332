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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	schedulerDecisions *prometheus.CounterVec
	documentAttempts   *prometheus.CounterVec
	documentRetries    *prometheus.CounterVec
	batchDuration      *prometheus.HistogramVec
	webhookAttempts    *prometheus.CounterVec
	webhookDuration    prometheus.Histogram
)

const (
	DecisionReusedActive   = "reused_active"
	DecisionReusedComplete = "reused_complete"
	DecisionAdmitted       = "admitted"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Used by tests
// to ensure clean state between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler exposes metrics in Prometheus text format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveSchedulerDecision records which of the three admission
// outcomes (§4.1) the Scheduler returned.
func ObserveSchedulerDecision(decision string) {
	mu.RLock()
	defer mu.RUnlock()
	if schedulerDecisions != nil {
		schedulerDecisions.WithLabelValues(sanitizeLabel(decision, "unknown")).Inc()
	}
}

// ObserveDocumentAttempt records one Upstream-fetch-or-upload attempt
// for a single document, success or failure.
func ObserveDocumentAttempt(success bool) {
	mu.RLock()
	defer mu.RUnlock()
	if documentAttempts != nil {
		documentAttempts.WithLabelValues(resultLabel(success)).Inc()
	}
}

// IncDocumentRetry records that a document is being retried after a
// failed attempt.
func IncDocumentRetry() {
	mu.RLock()
	defer mu.RUnlock()
	if documentRetries != nil {
		documentRetries.WithLabelValues("retry").Inc()
	}
}

// ObserveBatchDuration records how long one bounded-parallel batch of
// documents took to drain.
func ObserveBatchDuration(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if batchDuration != nil {
		batchDuration.WithLabelValues("batch").Observe(durationSeconds(d))
	}
}

// ObserveWebhookAttempt records one dispatcher attempt, success or
// failure, and its latency.
func ObserveWebhookAttempt(success bool, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookAttempts != nil {
		webhookAttempts.WithLabelValues(resultLabel(success)).Inc()
	}
	if webhookDuration != nil {
		webhookDuration.Observe(durationSeconds(d))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "materializer",
		Subsystem: "scheduler",
		Name:      "admission_decisions_total",
		Help:      "Scheduler admission decisions by outcome.",
	}, []string{"decision"})

	docAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "materializer",
		Subsystem: "worker",
		Name:      "document_attempts_total",
		Help:      "Document fetch-and-upload attempts by result.",
	}, []string{"result"})

	docRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "materializer",
		Subsystem: "worker",
		Name:      "document_retries_total",
		Help:      "Document attempts that were retried after failure.",
	}, []string{"reason"})

	batchHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "materializer",
		Subsystem: "worker",
		Name:      "batch_duration_seconds",
		Help:      "Duration of one bounded-parallel document batch.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})

	webhookCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "materializer",
		Subsystem: "webhook",
		Name:      "dispatch_attempts_total",
		Help:      "Webhook dispatch attempts by result.",
	}, []string{"result"})

	webhookHist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "materializer",
		Subsystem: "webhook",
		Name:      "dispatch_attempt_duration_seconds",
		Help:      "Duration of a single webhook dispatch attempt.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	registry.MustRegister(decisions, docAttempts, docRetries, batchHist, webhookCounter, webhookHist)

	reg = registry
	schedulerDecisions = decisions
	documentAttempts = docAttempts
	documentRetries = docRetries
	batchDuration = batchHist
	webhookAttempts = webhookCounter
	webhookDuration = webhookHist
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
