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

// Package api is the thin HTTP ingress shim over the Scheduler, the
// Status Projection, and the Status Manager's webhook URL policy. It
// deliberately does not implement authentication or rate limiting —
// those belong to the ingress layer this codebase treats as an
// external collaborator.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"materializer/internal/materializer/ctxkeys"
	"materializer/internal/materializer/projection"
	"materializer/internal/materializer/scheduler"
	"materializer/internal/materializer/statusmgr"
	"materializer/pkg/materializer"
)

// Scheduler is the admission surface the ingress layer depends on.
type Scheduler interface {
	Admit(ctx context.Context, processNumber, webhookURL string, autoDownload bool) (scheduler.Result, error)
}

// Projection is the read surface the ingress layer depends on.
type Projection interface {
	Get(ctx context.Context, processNumber string) (*projection.ProcessStatus, error)
}

// Handler wires the four ingress routes from §6.1 onto an
// *http.ServeMux using its method-and-pattern routes and
// r.PathValue, with no third-party routing framework.
type Handler struct {
	scheduler  Scheduler
	projection Projection
	policy     statusmgr.WebhookURLPolicy
	connectTO  time.Duration
	log        *slog.Logger
}

// New builds a Handler.
func New(sched Scheduler, proj Projection, policy statusmgr.WebhookURLPolicy, connectivityTimeout time.Duration, log *slog.Logger) *Handler {
	if connectivityTimeout <= 0 {
		connectivityTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{scheduler: sched, projection: proj, policy: policy, connectTO: connectivityTimeout, log: log}
}

// Mount registers every route onto mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /processes/{processNumber}", h.handleMaterialize)
	mux.HandleFunc("GET /processes/{processNumber}/status", h.handleStatus)
	mux.HandleFunc("POST /webhooks/validate", h.handleValidateWebhook)
	mux.HandleFunc("POST /webhooks/test-connectivity", h.handleTestConnectivity)
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, jsonError{Error: code, Message: message})
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	_, id := ctxkeys.EnsureCorrelationID(r.Context())
	return h.log.With(slog.String("correlation_id", id))
}

// handleMaterialize implements:
//
//	GET /processes/{processNumber}?autoDownload={bool}&webhookUrl={url?}
func (h *Handler) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	processNumber := r.PathValue("processNumber")
	webhookURL := r.URL.Query().Get("webhookUrl")
	autoDownload := true
	if v := r.URL.Query().Get("autoDownload"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			autoDownload = parsed
		}
	}
	log := h.requestLogger(r)

	result, err := h.scheduler.Admit(r.Context(), processNumber, webhookURL, autoDownload)
	if err != nil {
		switch {
		case errors.Is(err, materializer.ErrInvalidWebhookURL):
			writeError(w, http.StatusBadRequest, "INVALID_WEBHOOK", err.Error())
		case errors.Is(err, materializer.ErrUpstreamUnavailable):
			writeError(w, http.StatusBadGateway, "UPSTREAM_METADATA_UNAVAILABLE", err.Error())
		case errors.Is(err, materializer.ErrStorageUnavailable):
			log.Error("admit failed", "process_number", processNumber, "err", err)
			writeError(w, http.StatusInternalServerError, "STORAGE_UNAVAILABLE", "internal error")
		default:
			log.Error("admit failed", "process_number", processNumber, "err", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":         result.JobID,
		"decision":       result.Decision,
		"process_number": result.Summary.ProcessNumber,
		"court":          result.Summary.Court,
		"subject":        result.Summary.Subject,
		"documents":      result.Summary.Documents,
	})
}

// handleStatus implements GET /processes/{processNumber}/status.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	processNumber := r.PathValue("processNumber")
	status, err := h.projection.Get(r.Context(), processNumber)
	if err != nil {
		if errors.Is(err, materializer.ErrProcessNotFound) {
			writeError(w, http.StatusNotFound, "PROCESS_NOT_FOUND", err.Error())
			return
		}
		h.requestLogger(r).Error("status projection failed", "process_number", processNumber, "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type webhookURLRequest struct {
	WebhookURL string `json:"webhookUrl"`
}

type validateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// handleValidateWebhook implements POST /webhooks/validate.
func (h *Handler) handleValidateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not decode request body")
		return
	}
	if err := h.policy.ValidateWebhookURL(req.WebhookURL); err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: true})
}

type connectivityResponse struct {
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// handleTestConnectivity implements POST /webhooks/test-connectivity. It
// reuses the same TLS-verifying, no-redirect-following client
// construction as the Webhook Dispatcher rather than standing up a
// second HTTP client policy.
func (h *Handler) handleTestConnectivity(w http.ResponseWriter, r *http.Request) {
	var req webhookURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not decode request body")
		return
	}
	if err := h.policy.ValidateWebhookURL(req.WebhookURL); err != nil {
		writeJSON(w, http.StatusOK, connectivityResponse{Reachable: false, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.connectTO)
	defer cancel()

	client := &http.Client{
		Timeout: h.connectTO,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req2, err := http.NewRequestWithContext(ctx, http.MethodHead, req.WebhookURL, nil)
	if err != nil {
		writeJSON(w, http.StatusOK, connectivityResponse{Reachable: false, Error: err.Error()})
		return
	}
	resp, err := client.Do(req2)
	if err != nil {
		writeJSON(w, http.StatusOK, connectivityResponse{Reachable: false, Error: err.Error()})
		return
	}
	defer resp.Body.Close()
	writeJSON(w, http.StatusOK, connectivityResponse{Reachable: true, StatusCode: resp.StatusCode})
}
