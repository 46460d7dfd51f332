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

// Package statusmgr is a pure, stateless validator of legal state
// transitions over documents and jobs, plus the webhook URL policy
// shared by the scheduler (at admission) and the dispatcher (at send).
// It holds no connections and performs no I/O.
package statusmgr

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"materializer/pkg/materializer"
)

// documentTransitions is the legality table from §4.3. A missing entry
// means the transition is forbidden.
var documentTransitions = map[materializer.DocumentStatus]map[materializer.DocumentStatus]bool{
	materializer.DocumentPending: {
		materializer.DocumentProcessing: true,
		materializer.DocumentFailed:     true,
	},
	materializer.DocumentProcessing: {
		materializer.DocumentAvailable: true,
		materializer.DocumentFailed:    true,
	},
	materializer.DocumentAvailable: {},
	materializer.DocumentFailed: {
		materializer.DocumentProcessing: true,
	},
}

// jobTransitions is the legality table from §4.3.
var jobTransitions = map[materializer.JobStatus]map[materializer.JobStatus]bool{
	materializer.JobPending: {
		materializer.JobProcessing: true,
		materializer.JobFailed:     true,
		materializer.JobCancelled:  true,
	},
	materializer.JobProcessing: {
		materializer.JobCompleted: true,
		materializer.JobFailed:    true,
		materializer.JobCancelled: true,
	},
	materializer.JobCompleted: {},
	materializer.JobFailed: {
		materializer.JobProcessing: true,
	},
	materializer.JobCancelled: {
		materializer.JobProcessing: true,
	},
}

// CanTransitionDocument reports whether from -> to is a legal document
// transition per §4.3. Identity transitions are never legal; callers
// that only want to check reachability of a terminal state should test
// IsTerminal separately.
func CanTransitionDocument(from, to materializer.DocumentStatus) bool {
	next, ok := documentTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ValidateDocumentTransition returns materializer.ErrInvalidTransition
// wrapped with the offending states if from -> to is not permitted.
func ValidateDocumentTransition(from, to materializer.DocumentStatus) error {
	if !CanTransitionDocument(from, to) {
		return fmt.Errorf("%w: document %s -> %s", materializer.ErrInvalidTransition, from, to)
	}
	return nil
}

// CanTransitionJob reports whether from -> to is a legal job
// transition per §4.3.
func CanTransitionJob(from, to materializer.JobStatus) bool {
	next, ok := jobTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// ValidateJobTransition returns materializer.ErrInvalidTransition
// wrapped with the offending states if from -> to is not permitted.
// There is deliberately no force-FAILED escape hatch for jobs here: per
// the resolved open question in SPEC_FULL.md §9, only documents get
// that safety net.
func ValidateJobTransition(from, to materializer.JobStatus) error {
	if !CanTransitionJob(from, to) {
		return fmt.Errorf("%w: job %s -> %s", materializer.ErrInvalidTransition, from, to)
	}
	return nil
}

// WebhookURLPolicy controls which webhookUrl values the Scheduler and
// Dispatcher will accept. AllowLoopbackHTTP should be false in
// production deployments; it exists so local development and tests can
// use plain http://localhost callbacks.
type WebhookURLPolicy struct {
	AllowLoopbackHTTP bool
	BlockedPorts      map[int]bool
}

// DefaultWebhookURLPolicy blocks the ports named in §4.3 (22, 23, 3389)
// and disallows plain http outside loopback.
func DefaultWebhookURLPolicy() WebhookURLPolicy {
	return WebhookURLPolicy{
		AllowLoopbackHTTP: false,
		BlockedPorts:      map[int]bool{22: true, 23: true, 3389: true},
	}
}

// ValidateWebhookURL applies the policy in §4.3:
//   - must parse as an absolute URL with scheme http or https,
//   - scheme=http is rejected outright unless AllowLoopbackHTTP is set,
//     and even then only for localhost/127.0.0.1,
//   - port must not be one of the blocked ports,
//   - authority must be non-empty.
func (p WebhookURLPolicy) ValidateWebhookURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", materializer.ErrInvalidWebhookURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", materializer.ErrInvalidWebhookURL, err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("%w: not an absolute url", materializer.ErrInvalidWebhookURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", materializer.ErrInvalidWebhookURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: empty authority", materializer.ErrInvalidWebhookURL)
	}
	host := u.Hostname()
	if u.Scheme == "http" {
		if !p.AllowLoopbackHTTP {
			return fmt.Errorf("%w: plain http is not allowed", materializer.ErrInvalidWebhookURL)
		}
		loopback := host == "localhost" || net.ParseIP(host).IsLoopback()
		if !loopback {
			return fmt.Errorf("%w: plain http only allowed to localhost/127.0.0.1", materializer.ErrInvalidWebhookURL)
		}
	}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("%w: invalid port %q", materializer.ErrInvalidWebhookURL, portStr)
		}
		if p.BlockedPorts[port] {
			return fmt.Errorf("%w: port %d not allowed", materializer.ErrInvalidWebhookURL, port)
		}
	}
	return nil
}
