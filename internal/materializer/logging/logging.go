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

// Package logging builds the *slog.Logger every component receives
// explicitly through its constructor. There is no package-level
// global; callers thread the logger they get from New down to
// whichever worker/dispatcher/api handler instance needs it.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"materializer/internal/materializer/ctxkeys"
)

// New builds a JSON-handler logger at the given level ("debug", "info",
// "warn", "error"; unrecognized values fall back to info).
func New(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithJobContext returns a logger annotated with the job's correlation
// id, for handlers that want every subsequent log line scoped to one
// job without threading the id through every call argument.
func WithJobContext(ctx context.Context, log *slog.Logger) *slog.Logger {
	if id := ctxkeys.CorrelationID(ctx); id != "" {
		return log.With(slog.String("correlation_id", id))
	}
	return log
}
