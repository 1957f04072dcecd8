package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/protocol"
)

// maxFollowUps bounds one gap round regardless of the sub-question cap:
// a follow-up wave is a repair pass, not a second decomposition.
const maxFollowUps = 3

// GapDetector inspects the findings so far and names what is still missing
// to answer the original query.
type GapDetector struct {
	provider llms.Provider
}

func NewGapDetector(provider llms.Provider) *GapDetector {
	return &GapDetector{provider: provider}
}

var gapSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"complete": map[string]any{
			"type":        "boolean",
			"description": "Whether the findings already cover the question",
		},
		"gaps": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Short descriptions of the information still missing",
		},
		"follow_ups": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string"},
					"kind": map[string]any{
						"type": "string",
						"enum": []string{"numerical", "qualitative", "analytical"},
					},
				},
				"required": []string{"question", "kind"},
			},
			"description": "Concrete follow-up questions to close the gaps; empty if complete",
		},
	},
	"required": []string{"complete", "gaps", "follow_ups"},
}

type gapResult struct {
	Complete  bool              `json:"complete"`
	Gaps      []string          `json:"gaps"`
	FollowUps []subQuestionJSON `json:"follow_ups"`
}

// Detect returns follow-up sub-questions, at most maxFollowUps of them.
// A complete report and malformed model output both mean no follow-ups:
// research stops rather than loops.
func (d *GapDetector) Detect(ctx context.Context, query string, findings []Finding) ([]SubQuestion, error) {
	raw, err := d.provider.GenerateStructured(ctx,
		[]*protocol.Message{
			protocol.System("You review research findings and decide whether they answer the " +
				"original question. List what is missing and a follow-up question per gap; " +
				"report complete with no follow-ups when the findings suffice."),
			protocol.User(fmt.Sprintf("Original question:\n%s\n\nFindings so far:\n%s",
				query, renderFindings(findings))),
		},
		llms.StructuredRequest{Name: "gap_analysis", Schema: gapSchema})
	if err != nil {
		return nil, err
	}

	var parsed gapResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		slog.Warn("Gap analysis returned malformed JSON, assuming no gaps", "error", err)
		return nil, nil
	}
	if parsed.Complete {
		return nil, nil
	}
	return cleanSubQuestions(parsed.FollowUps, maxFollowUps), nil
}

func renderFindings(findings []Finding) string {
	var b strings.Builder
	for i, f := range findings {
		fmt.Fprintf(&b, "%d. Q: %s\n", i+1, f.Question)
		if f.Err != nil {
			fmt.Fprintf(&b, "   A: (research failed: %v)\n", f.Err)
			continue
		}
		fmt.Fprintf(&b, "   A: %s\n", f.Answer)
	}
	return b.String()
}
