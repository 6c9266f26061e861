// Copyright (c) 2026 John Earle
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

// Package httpapi exposes the bridge's small admin surface: a health
// probe over the backing stores and a manual dispatch trigger.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sdilink/pecbridge/internal/models"
)

// Dispatcher triggers an outbound dispatch for one invoice.
type Dispatcher interface {
	Dispatch(ctx context.Context, invoiceID int64) models.DispatchResult
}

// Pinger probes one backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler serves the admin endpoints.
type Handler struct {
	dispatcher Dispatcher
	probes     map[string]Pinger
}

// NewHandler creates an admin handler. probes maps a component name to
// its health probe.
func NewHandler(dispatcher Dispatcher, probes map[string]Pinger) *Handler {
	return &Handler{dispatcher: dispatcher, probes: probes}
}

// ServeHealth reports the health of every backing store. Any failing
// probe turns the response into a 503 with the failing component named.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.probes))
	for name, probe := range h.probes {
		if err := probe.Ping(ctx); err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			components[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
		"components": components,
	})
}

// ServeDispatch handles POST /dispatch/{invoiceID}: export and send one
// invoice synchronously and report the result.
func (h *Handler) ServeDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	idStr := strings.TrimPrefix(r.URL.Path, "/dispatch/")
	invoiceID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || invoiceID <= 0 {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return
	}

	slog.Info("manual dispatch requested", "invoice_id", invoiceID)
	res := h.dispatcher.Dispatch(r.Context(), invoiceID)

	w.Header().Set("Content-Type", "application/json")
	if !res.OK {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(res)
}

// Serve starts the admin HTTP server on the given port. It binds the
// port immediately and signals readiness via the returned channel before
// starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handler.ServeHealth)
	mux.HandleFunc("/dispatch/", handler.ServeDispatch)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind admin port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("admin server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("admin server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()

	return ready, nil
}
