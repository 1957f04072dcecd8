package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/finscope/finscope/pkg/agent"
	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/planner"
	"github.com/finscope/finscope/pkg/prompt"
	"github.com/finscope/finscope/pkg/research"
	"github.com/finscope/finscope/pkg/session"
	"github.com/finscope/finscope/pkg/stream"
	"github.com/finscope/finscope/pkg/tools"
)

const defaultSessionID = "default"

const budgetNotice = "\n\n[Note: the answer above may be incomplete; the reasoning budget ran out.]"

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// chatRequest is the normalized input of the four chat handlers and the
// OpenAI facade.
type chatRequest struct {
	Query            string
	Model            string
	SessionID        string
	CurrentURL       string
	Override         string
	Timezone         string
	UserTime         string
	PreferredSources []string
	Research         bool
}

type chatResult struct {
	Text    string
	Sources []string
	Stats   session.Stats
	Meta    *research.Meta
}

type chatBody struct {
	Question   string `json:"question"`
	Query      string `json:"query"`
	Model      string `json:"model"`
	SessionID  string `json:"session_id"`
	CurrentURL string `json:"current_url"`
	Override   string `json:"instruction_override"`
	Timezone   string `json:"user_timezone"`
	UserTime   string `json:"user_time"`
}

// parseChatRequest accepts query parameters on GET and a JSON body on POST.
func parseChatRequest(r *http.Request, research bool) (*chatRequest, error) {
	req := &chatRequest{Research: research}

	if r.Method == http.MethodPost {
		var body chatBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("malformed JSON body: %w", err)
		}
		req.Query = body.Question
		if req.Query == "" {
			req.Query = body.Query
		}
		req.Model = body.Model
		req.SessionID = body.SessionID
		req.CurrentURL = body.CurrentURL
		req.Override = body.Override
		req.Timezone = body.Timezone
		req.UserTime = body.UserTime
	} else {
		q := r.URL.Query()
		req.Query = q.Get("question")
		if req.Query == "" {
			req.Query = q.Get("query")
		}
		req.Model = q.Get("model")
		req.SessionID = q.Get("session_id")
		req.CurrentURL = q.Get("current_url")
		req.Override = q.Get("instruction_override")
		req.Timezone = q.Get("user_timezone")
		req.UserTime = q.Get("user_time")
	}

	if req.Query == "" && req.Override == "" {
		return nil, fmt.Errorf("question is required")
	}
	if req.SessionID == "" {
		req.SessionID = defaultSessionID
	}
	return req, nil
}

// userNow resolves the wall clock for prompt assembly: explicit user time
// first, then the user's timezone, then server time.
func userNow(userTime, timezone string) time.Time {
	if userTime != "" {
		if t, err := time.Parse(time.RFC3339, userTime); err == nil {
			return t
		}
	}
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err == nil {
			return time.Now().In(loc)
		}
	}
	return time.Now()
}

// runChat drives one request end to end: session, plan, prompt, agent or
// research engine, session record. The assistant turn is only recorded when
// the run finishes, so a disconnected client leaves no partial turn.
func (s *Server) runChat(ctx context.Context, req *chatRequest, sink agent.Sink, streaming bool) (*chatResult, error) {
	alias := req.Model
	if alias == "" {
		if req.Research {
			alias = s.cfg.Models.Research
		} else {
			alias = s.cfg.Models.Default
		}
	}
	provider, err := s.models.ForAlias(alias)
	if err != nil {
		return nil, err
	}

	var contextBlock string
	var hasPage bool
	err = s.sessions.Update(ctx, req.SessionID, func(sess *session.Session) error {
		contextBlock = sess.RenderForLLM()
		hasPage = sess.HasPageContent()
		sess.AddUserMessage(req.Query)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("session update: %w", err)
	}

	plan, err := s.planner.Plan(planner.Query{
		Text:           req.Query,
		HasPageContent: hasPage,
		Override:       req.Override,
	})
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	slog.Debug("Plan selected",
		"skill", plan.Skill.Name,
		"score", plan.Score,
		"max_turns", plan.MaxTurns,
		"correlation_id", CorrelationID(ctx))

	systemPrompt := s.assembler.Assemble(prompt.Input{
		SkillInstruction: plan.Instruction,
		Override:         req.Override,
		PageURL:          req.CurrentURL,
		PreferredSources: s.mergePreferred(req.PreferredSources),
		Now:              userNow(req.UserTime, req.Timezone),
	})

	if req.Research {
		all := s.tools.ListAvailable([]string{tools.AllTools})
		engine := research.NewEngine(s.classifierProvider(provider), provider, all, s.cfg.Research)
		out, err := engine.Run(ctx, req.Query, contextBlock, sink)
		switch {
		case errors.Is(err, research.ErrNoDecomposition):
			// Simple query: fall through to the plain agent path.
		case err != nil:
			return nil, err
		default:
			return s.finishTurn(ctx, req.SessionID, out.Answer, nil, out.Sources, &out.Meta)
		}
	}

	toolset := s.tools.ListAvailable(plan.ToolNames)
	runner := agent.NewRunner(provider, toolset, s.cfg.Research.ToolTimeout)
	messages := agent.BuildMessages(systemPrompt, contextBlock, req.Query)

	var result *agent.Result
	if streaming {
		result, err = runner.RunStreaming(ctx, messages, plan.MaxTurns, sink)
	} else {
		result, err = runner.Run(ctx, messages, plan.MaxTurns, sink)
	}

	var text string
	var executions []agent.ToolExecution
	if result != nil {
		text = result.Text
		executions = result.ToolExecutions
	}
	if errors.Is(err, agent.ErrTurnBudgetExceeded) {
		if text == "" {
			text = "The request ran out of reasoning budget before producing an answer."
		}
		text += budgetNotice
		// Budget-ending turns never stream their text, so replay it here.
		if streaming && sink != nil {
			sink.Content(text)
		}
	} else if err != nil {
		return nil, err
	}

	return s.finishTurn(ctx, req.SessionID, text, executions, nil, nil)
}

// classifierProvider resolves the default (cheap) model for the research
// engine's structured analysis and gap calls, which need none of the
// synthesis model's strength. Falls back to the request's model.
func (s *Server) classifierProvider(fallback llms.Provider) llms.Provider {
	p, err := s.models.ForAlias(s.cfg.Models.Default)
	if err != nil {
		return fallback
	}
	return p
}

// mergePreferred combines the extension-synced preferred sources with any
// sent on the request itself, first-seen order, duplicates dropped.
func (s *Server) mergePreferred(requestSources []string) []string {
	s.prefMu.Lock()
	merged := append([]string(nil), s.preferred...)
	s.prefMu.Unlock()

	seen := make(map[string]bool, len(merged))
	for _, u := range merged {
		seen[u] = true
	}
	for _, u := range requestSources {
		if u != "" && !seen[u] {
			seen[u] = true
			merged = append(merged, u)
		}
	}
	return merged
}

// finishTurn records the assistant turn and its artifacts, returning the
// session-level view the envelopes need.
func (s *Server) finishTurn(ctx context.Context, sessionID, text string, executions []agent.ToolExecution, sources []string, meta *research.Meta) (*chatResult, error) {
	out := &chatResult{Text: text, Meta: meta}

	err := s.sessions.Update(ctx, sessionID, func(sess *session.Session) error {
		sess.AddAssistantMessage(text)
		sess.AddSources(sources...)
		for _, exec := range executions {
			if exec.Err != nil {
				continue
			}
			switch exec.Call.Name {
			case "web_search":
				sess.AddSearchResults(exec.Output, urlPattern.FindAllString(exec.Output, -1)...)
			case "fetch_url", "browse_page":
				sess.AddToolOutput(exec.Output)
				if u, ok := exec.Call.Args["url"].(string); ok {
					sess.AddSources(u)
				}
			default:
				sess.AddToolOutput(exec.Output)
			}
		}
		out.Sources = append([]string(nil), sess.Sources...)
		out.Stats = sess.Stats()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording assistant turn: %w", err)
	}
	return out, nil
}

// handleChat serves the four {thinking,research} x {blocking,streaming}
// entry points.
func (s *Server) handleChat(researchMode, streaming bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseChatRequest(r, researchMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, kindInputInvalid, err.Error())
			return
		}

		if !streaming {
			result, err := s.runChat(r.Context(), req, agent.NopSink{}, false)
			if err != nil {
				s.writeChatError(w, r, err)
				return
			}
			resp := map[string]any{
				"response":      result.Text,
				"sources":       result.Sources,
				"context_stats": result.Stats,
			}
			if result.Meta != nil {
				resp["meta"] = result.Meta
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}

		sw, err := stream.NewWriter(w)
		if err != nil {
			writeError(w, http.StatusInternalServerError, kindServerError, "streaming unsupported")
			return
		}
		defer sw.Close()
		sw.StartHeartbeat(r.Context(), stream.DefaultHeartbeat)

		result, err := s.runChat(r.Context(), req, stream.Sink{W: sw}, true)
		if err != nil {
			// Headers are gone; log and end the stream without a
			// complete event.
			if !errors.Is(err, context.Canceled) {
				slog.Error("Streaming request failed",
					"error", err,
					"correlation_id", CorrelationID(r.Context()))
			}
			return
		}

		if len(result.Sources) > 0 {
			srcs := make([]stream.Source, 0, len(result.Sources))
			for _, u := range result.Sources {
				srcs = append(srcs, stream.Source{URL: u})
			}
			_ = sw.Sources(srcs)
		}

		meta := map[string]any{"context_stats": result.Stats}
		if result.Meta != nil {
			meta["research"] = result.Meta
		}
		_ = sw.Complete(meta)
	}
}

func (s *Server) logAndHide(r *http.Request, err error) {
	slog.Error("Request failed", "error", err, "correlation_id", CorrelationID(r.Context()))
}

// writeChatError maps run errors onto the envelope. Internal detail is
// logged, never returned.
func (s *Server) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := CorrelationID(r.Context())
	switch {
	case errors.Is(err, llms.ErrUnknownModel):
		writeError(w, http.StatusNotFound, kindModelUnknown, "unknown model alias")
	case errors.Is(err, context.Canceled):
		// Client is gone; nothing to write.
	default:
		slog.Error("Chat request failed", "error", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, kindUpstreamError, "request failed")
	}
}
