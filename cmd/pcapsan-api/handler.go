package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"

	"PcapSanitizer/internal/batch"
	"PcapSanitizer/internal/factory"
	"PcapSanitizer/internal/model"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SanitizeRequest is the body of POST /api/v1/sanitize.
type SanitizeRequest struct {
	Input  string   `json:"input"`
	Output string   `json:"output,omitempty"`
	Stages []string `json:"stages,omitempty"`
}

// APIHandler holds the dependencies for API handlers.
type APIHandler struct {
	runner *batch.Runner
	stages []string
	logger *zap.Logger

	// Stage instances are shared, so runs go one at a time.
	mu sync.Mutex
}

// NewRouter wires the API routes.
func NewRouter(h *APIHandler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/sanitize", h.sanitizeHandler).Methods("POST")
	r.HandleFunc("/api/v1/stages", h.stagesHandler).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// sanitizeHandler runs the pipeline over one capture on the server's disk.
func (h *APIHandler) sanitizeHandler(w http.ResponseWriter, r *http.Request) {
	var req SanitizeRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode request: %v", err), http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	if req.Output == "" {
		req.Output = batch.OutputPath(filepath.Dir(req.Input), req.Input, "")
	}
	if len(req.Stages) == 0 {
		req.Stages = h.stages
	}

	h.logger.Info("Sanitize requested",
		zap.String("input", req.Input),
		zap.String("output", req.Output),
		zap.Strings("stages", req.Stages))

	h.mu.Lock()
	report := h.runner.SanitizeStages(r.Context(), req.Input, req.Output, req.Stages)
	h.mu.Unlock()

	writeJSON(w, statusFor(report.Result), report)
}

func (h *APIHandler) stagesHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"registered": factory.Registered(),
		"default":    h.stages,
		"order":      model.StageOrder,
	})
}

// statusFor maps a run outcome onto an HTTP status.
func statusFor(res *model.ProcessResult) int {
	if res.Success {
		return http.StatusOK
	}
	if res.Error == nil {
		return http.StatusInternalServerError
	}
	switch res.Error.Kind {
	case model.KindConfiguration:
		return http.StatusBadRequest
	case model.KindDependency:
		return http.StatusServiceUnavailable
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	case model.KindProcessing:
		return http.StatusUnprocessableEntity
	case model.KindResource:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonBytes)
}
