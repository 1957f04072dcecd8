package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/protocol"
)

// Synthesizer merges the findings into one answer, streaming tokens as the
// model produces them.
type Synthesizer struct {
	provider llms.Provider
}

func NewSynthesizer(provider llms.Provider) *Synthesizer {
	return &Synthesizer{provider: provider}
}

// Synthesize streams the combined answer. Each text chunk is passed to
// emit in order; the full answer text is returned at the end.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, findings []Finding, emit func(string)) (string, error) {
	if emit == nil {
		emit = func(string) {}
	}

	ch, err := s.provider.GenerateStreaming(ctx,
		[]*protocol.Message{
			protocol.System("You write the final answer to a financial research question from the " +
				"findings below. Weave the findings into one coherent answer and keep every number " +
				"accurate. Answer findings marked \"(to be synthesized)\" by reasoning over the other " +
				"findings. Do not aggregate numbers across sources unless the user explicitly asked " +
				"for an aggregate. Do not present partial data as a total; say what is missing. Do " +
				"not fabricate missing values; note findings that failed rather than inventing " +
				"substitutes."),
			protocol.User(fmt.Sprintf("Question:\n%s\n\nFindings:\n%s", query, renderFindings(findings))),
		}, nil)
	if err != nil {
		return "", err
	}

	var full strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			full.WriteString(chunk.Text)
			emit(chunk.Text)
		case llms.ChunkError:
			return full.String(), chunk.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return full.String(), err
	}
	return full.String(), nil
}
