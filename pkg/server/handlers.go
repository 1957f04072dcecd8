package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/session"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "finscope",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type webtextBody struct {
	TextContent string `json:"textContent"`
	CurrentURL  string `json:"currentUrl"`
	SessionID   string `json:"session_id"`
}

// handleInputWebtext records the extension's scraped page as the session's
// current page content.
func (s *Server) handleInputWebtext(w http.ResponseWriter, r *http.Request) {
	var body webtextBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "malformed JSON body")
		return
	}
	if body.TextContent == "" {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "textContent is required")
		return
	}
	if body.SessionID == "" {
		body.SessionID = defaultSessionID
	}

	err := s.sessions.Update(r.Context(), body.SessionID, func(sess *session.Session) error {
		sess.SetPageContent(body.TextContent, body.CurrentURL)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindServerError, "failed to store page content")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleClearMessages clears the session. preserve_web=true keeps page
// content, search results, and sources.
func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	preserveWeb := r.URL.Query().Get("preserve_web") == "true"
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = defaultSessionID
	}

	err := s.sessions.Update(r.Context(), sessionID, func(sess *session.Session) error {
		sess.Clear(preserveWeb)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindServerError, "failed to clear session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "preserve_web": preserveWeb})
}

func (s *Server) handleSourceURLs(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = defaultSessionID
	}

	sess, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"sources": []string{}})
			return
		}
		writeError(w, http.StatusInternalServerError, kindServerError, "failed to load session")
		return
	}

	sources := sess.Sources
	if sources == nil {
		sources = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	count, err := s.sessions.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindServerError, "failed to count sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memory":   s.watcher.Stats(),
		"sessions": count,
	})
}

func (s *Server) handleAvailableModels(w http.ResponseWriter, r *http.Request) {
	specs := llms.Available()
	models := make([]map[string]any, 0, len(specs))
	for _, spec := range specs {
		models = append(models, map[string]any{
			"alias":       spec.Alias,
			"provider":    spec.Provider,
			"model":       spec.ModelID,
			"description": spec.Description,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models":  models,
		"default": s.cfg.Models.Default,
	})
}

type preferredBody struct {
	URLs []string `json:"urls"`
}

func (s *Server) handleGetPreferredURLs(w http.ResponseWriter, r *http.Request) {
	s.prefMu.Lock()
	urls := append([]string(nil), s.preferred...)
	s.prefMu.Unlock()
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"urls": urls})
}

// handleAddPreferredURLs appends new hosts, skipping duplicates.
func (s *Server) handleAddPreferredURLs(w http.ResponseWriter, r *http.Request) {
	urls, err := decodePreferred(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInputInvalid, err.Error())
		return
	}

	s.prefMu.Lock()
	seen := make(map[string]bool, len(s.preferred))
	for _, u := range s.preferred {
		seen[u] = true
	}
	for _, u := range urls {
		if u != "" && !seen[u] {
			seen[u] = true
			s.preferred = append(s.preferred, u)
		}
	}
	total := len(s.preferred)
	s.prefMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": total})
}

// handleSyncPreferredURLs replaces the list wholesale.
func (s *Server) handleSyncPreferredURLs(w http.ResponseWriter, r *http.Request) {
	urls, err := decodePreferred(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInputInvalid, err.Error())
		return
	}

	s.prefMu.Lock()
	s.preferred = append([]string(nil), urls...)
	total := len(s.preferred)
	s.prefMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": total})
}

func decodePreferred(r *http.Request) ([]string, error) {
	var body preferredBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("malformed JSON body")
	}
	return body.URLs, nil
}
