package handlers

import (
	"net/http"

	"github.com/laurikarhu/hls-gatekeeper/internal/admission"
)

// ProxyHandler exposes the gateway's single proxy endpoint, GET|HEAD
// /{path}. Everything that used to live inline in the teacher's
// StreamHandler.ServeHLSFile now belongs to admission.Pipeline; this
// handler only enforces the method restriction §6 specifies and
// delegates.
type ProxyHandler struct {
	pipeline *admission.Pipeline
}

// NewProxyHandler creates a new proxy handler.
func NewProxyHandler(pipeline *admission.Pipeline) *ProxyHandler {
	return &ProxyHandler{pipeline: pipeline}
}

// ServeHTTP dispatches GET and HEAD requests through the admission
// pipeline; any other method is rejected before the pipeline ever sees
// it.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	h.pipeline.ServeHTTP(w, r)
}
