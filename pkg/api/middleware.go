// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/hephaestus-run/hephaestus/pkg/apperr"
)

type ctxKey string

const ctxKeyAgentID ctxKey = "agent_id"

// agentIDFromContext returns the caller's X-Agent-ID, set by requireAgentID.
func agentIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyAgentID).(string)
	return id
}

// requireAgentID rejects any mutating request with no X-Agent-ID header,
// per spec.md §4.10's caller-identity rule. It does not check the header
// against a known-agent list: unknown agent ids are a 404 at the handler
// that looks the agent up, not a 401 here.
func (s *Server) requireAgentID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Agent-ID")
		if id == "" {
			writeError(w, r, apperr.Unauthorized("missing X-Agent-ID header"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAgentID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging attaches the chi request id as a slog attribute for the duration
// of the request and logs method, path, status, and latency on completion.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		reqID := middleware.GetReqID(r.Context())
		logger := slog.Default().With("request_id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyLogger, logger)

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

const ctxKeyLogger ctxKey = "logger"

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Agent-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
