package runtime

import (
	"net/http"

	jsoncodec "github.com/drblury/slaflow/internal/runtime/jsoncodec"
)

type handlersResponse struct {
	Mode     Mode             `json:"mode"`
	Handlers []*HandlerInfo   `json:"handlers"`
	Pipeline PipelineSnapshot `json:"pipeline"`
	Bridge   *bridgeStatus    `json:"bridge,omitempty"`
}

type bridgeStatus struct {
	Queued   int `json:"queued"`
	Capacity int `json:"capacity"`
}

type healthResponse struct {
	Status string `json:"status"`
	Mode   Mode   `json:"mode"`
}

// StartWebUIServer registers the ops endpoints on WEBUI_PORT when the web UI
// is enabled.
func (s *Service) StartWebUIServer() {
	if !s.Conf.WebUIEnabled {
		return
	}

	port := s.Conf.WebUIPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/handlers", http.HandlerFunc(s.handleGetHandlers))
	s.RegisterHTTPHandler(port, "/healthz", http.HandlerFunc(s.handleHealth))
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	resp := handlersResponse{Mode: s.mode}
	if s.metrics != nil {
		resp.Pipeline = s.metrics.GetSnapshot()
	}
	if s.bridge != nil {
		resp.Bridge = &bridgeStatus{Queued: s.bridge.Len(), Capacity: s.bridge.Cap()}
	}

	s.handlersMu.RLock()
	resp.Handlers = append([]*HandlerInfo(nil), s.handlers...)
	body, err := jsoncodec.Marshal(resp)
	s.handlersMu.RUnlock()
	if err != nil {
		s.Logger.Error("Failed to encode handlers", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, body)
}

// handleHealth reports 200 while the router is running and 503 otherwise.
func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.router == nil || !s.router.IsRunning() {
		status, code = "unavailable", http.StatusServiceUnavailable
	}

	body, err := jsoncodec.Marshal(healthResponse{Status: status, Mode: s.mode})
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
