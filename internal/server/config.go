package server

import (
	"encoding/json"
	"io"
	"net/http"

	"orgbot/internal/config"
)

// handleGetConfig returns the current config with secrets masked.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.RLock()
	cfg := s.cfg
	s.cfgMu.RUnlock()

	if cfg == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "config not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, config.Sanitize(cfg))
}

// handleUpdateConfig applies a single path update in memory. Running
// components keep their settings until the next restart.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if s.cfg == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "config not loaded"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return
	}
	defer r.Body.Close()

	// { "path": "retrieval.threshold", "value": 70 }
	var update struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(body, &update); err != nil || update.Path == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected {\"path\": ..., \"value\": ...}"})
		return
	}

	if err := config.SetByPath(s.cfg, update.Path, update.Value); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.logger.Info("config updated via path", "path", update.Path)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "path": update.Path})
}

// handleSaveConfig persists the in-memory config to disk.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	s.cfgMu.RLock()
	cfg := s.cfg
	cfgPath := s.cfgPath
	s.cfgMu.RUnlock()

	if cfg == nil || cfgPath == "" {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "config not available"})
		return
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "save failed: " + err.Error()})
		return
	}
	s.logger.Info("config saved to disk", "path", cfgPath)
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "path": cfgPath})
}
