package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/finscope/finscope/pkg/agent"
	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/utils"
)

// The /v1 surface mirrors just enough of the OpenAI API for off-the-shelf
// clients: model listing and non-streaming chat completions.

type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	specs := llms.Available()
	data := make([]openAIModel, 0, len(specs))
	created := time.Now().Unix()
	for _, spec := range specs {
		data = append(data, openAIModel{
			ID:      spec.Alias,
			Object:  "model",
			Created: created,
			OwnedBy: spec.Provider,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Messages       []completionMessage `json:"messages"`
	Mode           string              `json:"mode"`
	Model          string              `json:"model"`
	URL            string              `json:"url"`
	SearchDomains  []string            `json:"search_domains"`
	PreferredLinks []string            `json:"preferred_links"`
	UserTimezone   string              `json:"user_timezone"`
	UserTime       string              `json:"user_time"`
	User           string              `json:"user"`
}

func (s *Server) handleOpenAICompletions(w http.ResponseWriter, r *http.Request) {
	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, typeInvalidRequest, "malformed JSON body")
		return
	}

	query := lastUserMessage(body.Messages)
	if query == "" {
		writeError(w, http.StatusBadRequest, typeInvalidRequest, "messages must include a user message")
		return
	}

	req := &chatRequest{
		Query:            query,
		Model:            body.Model,
		SessionID:        body.User,
		CurrentURL:       body.URL,
		Timezone:         body.UserTimezone,
		UserTime:         body.UserTime,
		PreferredSources: append(body.SearchDomains, body.PreferredLinks...),
		Research:         body.Mode == "research",
	}
	if req.SessionID == "" {
		req.SessionID = defaultSessionID
	}

	result, err := s.runChat(r.Context(), req, agent.NopSink{}, false)
	if err != nil {
		switch {
		case errors.Is(err, llms.ErrUnknownModel):
			writeError(w, http.StatusNotFound, typeInvalidRequest, "unknown model")
		default:
			s.logAndHide(r, err)
			writeError(w, http.StatusInternalServerError, typeServerError, "request failed")
		}
		return
	}

	promptTokens := 0
	for _, m := range body.Messages {
		promptTokens += utils.EstimateTokens(m.Content)
	}
	completionTokens := utils.EstimateTokens(result.Text)

	model := body.Model
	if model == "" {
		model = s.cfg.Models.Default
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": result.Text,
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
		"sources": result.Sources,
	})
}

func lastUserMessage(messages []completionMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}
