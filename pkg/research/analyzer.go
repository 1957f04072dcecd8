// Package research implements decomposition-based deep research: analyze
// the query into typed sub-questions, answer them in parallel with the
// strategy each kind calls for, detect gaps, iterate, then synthesize.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/protocol"
)

// ErrNoDecomposition signals that the query is simple enough to answer in
// one agent run. Callers fall back to the plain chat path.
var ErrNoDecomposition = errors.New("query does not require decomposition")

// SubQuestionKind selects the execution strategy for a sub-question.
type SubQuestionKind string

const (
	// KindNumerical wants hard figures: structured data tools first, one
	// web search as fallback.
	KindNumerical SubQuestionKind = "numerical"
	// KindQualitative wants context or narrative: straight to web search.
	KindQualitative SubQuestionKind = "qualitative"
	// KindAnalytical is reasoning over the other findings: deferred to
	// synthesis, no lookup of its own.
	KindAnalytical SubQuestionKind = "analytical"
)

// coerceKind maps anything the model invents back onto a known kind.
func coerceKind(raw string) SubQuestionKind {
	switch SubQuestionKind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindNumerical:
		return KindNumerical
	case KindAnalytical:
		return KindAnalytical
	default:
		return KindQualitative
	}
}

// SubQuestion is one atomic information need of a decomposed query.
type SubQuestion struct {
	Question string
	Kind     SubQuestionKind
}

// Analyzer decides whether a query needs decomposition and produces the
// initial sub-questions.
type Analyzer struct {
	provider llms.Provider
	maxSub   int
}

func NewAnalyzer(provider llms.Provider, maxSub int) *Analyzer {
	return &Analyzer{provider: provider, maxSub: maxSub}
}

var analyzeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"complex": map[string]any{
			"type":        "boolean",
			"description": "Whether the query needs to be split into sub-questions",
		},
		"sub_questions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string"},
					"kind": map[string]any{
						"type": "string",
						"enum": []string{"numerical", "qualitative", "analytical"},
						"description": "numerical = needs figures from data tools; " +
							"qualitative = needs context from the web; " +
							"analytical = reasoning over the other answers",
					},
				},
				"required": []string{"question", "kind"},
			},
			"description": "Independent sub-questions, each answerable on its own",
		},
	},
	"required": []string{"complex", "sub_questions"},
}

// subQuestionJSON tolerates both the schema's object form and a bare
// string, which weaker models fall back to. Bare strings are qualitative.
type subQuestionJSON struct {
	Question string `json:"question"`
	Kind     string `json:"kind"`
}

func (q *subQuestionJSON) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		q.Question = s
		q.Kind = ""
		return nil
	}
	type plain subQuestionJSON
	return json.Unmarshal(data, (*plain)(q))
}

type analyzeResult struct {
	Complex      bool              `json:"complex"`
	SubQuestions []subQuestionJSON `json:"sub_questions"`
}

// Decompose returns the typed sub-questions for a complex query, clamped
// to the configured maximum. Simple queries and unparseable model output
// both yield ErrNoDecomposition: when in doubt, the cheaper path wins.
func (a *Analyzer) Decompose(ctx context.Context, query string) ([]SubQuestion, error) {
	raw, err := a.provider.GenerateStructured(ctx,
		[]*protocol.Message{
			protocol.System("You split financial research questions into independent sub-questions " +
				"and tag each with how it should be answered. Mark a query complex only if answering " +
				"it well requires separate lines of research; a single aggregate metric from one " +
				"source is not complex."),
			protocol.User(query),
		},
		llms.StructuredRequest{Name: "query_analysis", Schema: analyzeSchema})
	if err != nil {
		return nil, err
	}

	var parsed analyzeResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		slog.Warn("Query analysis returned malformed JSON, treating query as simple", "error", err)
		return nil, ErrNoDecomposition
	}

	subs := cleanSubQuestions(parsed.SubQuestions, a.maxSub)
	if !parsed.Complex || len(subs) < 2 {
		return nil, ErrNoDecomposition
	}
	return subs, nil
}

// cleanSubQuestions trims, drops empties, coerces kinds, and clamps to max.
func cleanSubQuestions(in []subQuestionJSON, max int) []SubQuestion {
	var out []SubQuestion
	for _, q := range in {
		text := strings.TrimSpace(q.Question)
		if text == "" {
			continue
		}
		out = append(out, SubQuestion{Question: text, Kind: coerceKind(q.Kind)})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}
