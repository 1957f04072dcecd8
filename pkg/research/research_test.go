package research

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finscope/finscope/pkg/agent"
	"github.com/finscope/finscope/pkg/config"
	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/protocol"
	"github.com/finscope/finscope/pkg/tools"
)

type toolStub struct {
	name   string
	output string
	calls  int
}

func (s *toolStub) Name() string               { return s.name }
func (s *toolStub) Description() string        { return s.name + " stub" }
func (s *toolStub) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *toolStub) Execute(ctx context.Context, args map[string]any) (string, error) {
	s.calls++
	return s.output, nil
}

// serialConfig keeps sub-questions sequential so FakeProvider turns are
// consumed in a deterministic order.
func serialConfig(maxIterations int) config.ResearchConfig {
	return config.ResearchConfig{
		MaxSubQuestions:    5,
		MaxIterations:      maxIterations,
		MaxParallel:        1,
		SubQuestionTimeout: 5 * time.Second,
		ToolTimeout:        time.Second,
	}
}

func TestAnalyzer_SimpleQuery(t *testing.T) {
	fake := llms.NewFakeProvider("fake",
		llms.FakeTurn{Structured: `{"complex": false, "sub_questions": []}`})

	_, err := NewAnalyzer(fake, 5).Decompose(context.Background(), "what is AAPL trading at?")
	assert.ErrorIs(t, err, ErrNoDecomposition)
}

func TestAnalyzer_MalformedJSONFallsBack(t *testing.T) {
	fake := llms.NewFakeProvider("fake", llms.FakeTurn{Structured: `not json at all`})

	_, err := NewAnalyzer(fake, 5).Decompose(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrNoDecomposition)
}

func TestAnalyzer_ParsesKinds(t *testing.T) {
	fake := llms.NewFakeProvider("fake", llms.FakeTurn{
		Structured: `{"complex": true, "sub_questions": [
			{"question": "AAPL revenue", "kind": "numerical"},
			{"question": "analyst sentiment", "kind": "qualitative"},
			{"question": "which grew faster", "kind": "analytical"},
			{"question": "made-up kind", "kind": "speculative"},
			"bare string question"
		]}`,
	})

	subs, err := NewAnalyzer(fake, 5).Decompose(context.Background(), "compare things")
	require.NoError(t, err)
	require.Len(t, subs, 5)
	assert.Equal(t, KindNumerical, subs[0].Kind)
	assert.Equal(t, KindQualitative, subs[1].Kind)
	assert.Equal(t, KindAnalytical, subs[2].Kind)
	// Unknown kinds and bare strings both coerce to qualitative.
	assert.Equal(t, KindQualitative, subs[3].Kind)
	assert.Equal(t, KindQualitative, subs[4].Kind)
	assert.Equal(t, "bare string question", subs[4].Question)
}

func TestAnalyzer_ClampsSubQuestions(t *testing.T) {
	fake := llms.NewFakeProvider("fake", llms.FakeTurn{
		Structured: `{"complex": true, "sub_questions": ["a","b","c","d","e","f","g"]}`,
	})

	subs, err := NewAnalyzer(fake, 5).Decompose(context.Background(), "broad question")
	require.NoError(t, err)
	assert.Len(t, subs, 5)
}

func TestAnalyzer_SingleSubQuestionIsSimple(t *testing.T) {
	fake := llms.NewFakeProvider("fake", llms.FakeTurn{
		Structured: `{"complex": true, "sub_questions": [{"question": "only one", "kind": "numerical"}]}`,
	})

	_, err := NewAnalyzer(fake, 5).Decompose(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNoDecomposition)
}

func TestGapDetector_MalformedJSONMeansNoGaps(t *testing.T) {
	fake := llms.NewFakeProvider("fake", llms.FakeTurn{Structured: `{{{`})

	followUps, err := NewGapDetector(fake).Detect(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, followUps)
}

func TestGapDetector_CompleteMeansNoFollowUps(t *testing.T) {
	fake := llms.NewFakeProvider("fake", llms.FakeTurn{
		Structured: `{"complete": true, "gaps": [], "follow_ups": [{"question": "ignored", "kind": "numerical"}]}`,
	})

	followUps, err := NewGapDetector(fake).Detect(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, followUps)
}

func TestGapDetector_ClampsFollowUps(t *testing.T) {
	fake := llms.NewFakeProvider("fake", llms.FakeTurn{
		Structured: `{"complete": false, "gaps": ["a","b","c","d","e"], "follow_ups": [
			{"question": "f1", "kind": "numerical"},
			{"question": "f2", "kind": "qualitative"},
			{"question": "f3", "kind": "numerical"},
			{"question": "f4", "kind": "qualitative"},
			{"question": "f5", "kind": "numerical"}
		]}`,
	})

	followUps, err := NewGapDetector(fake).Detect(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Len(t, followUps, 3)
}

func TestEngine_SimpleQueryPassesThrough(t *testing.T) {
	fake := llms.NewFakeProvider("fake",
		llms.FakeTurn{Structured: `{"complex": false, "sub_questions": []}`})

	e := NewEngine(fake, fake, nil, serialConfig(3))
	_, err := e.Run(context.Background(), "simple", "", nil)
	assert.ErrorIs(t, err, ErrNoDecomposition)
}

func TestEngine_RoutesByKind(t *testing.T) {
	search := &toolStub{name: "web_search", output: "[1] AAPL news\nhttps://example.com/aapl\nsnippet"}
	quote := &toolStub{name: "get_stock_info", output: "AAPL: 230.10"}

	fake := llms.NewFakeProvider("fake",
		// Decomposition.
		llms.FakeTurn{Structured: `{"complex": true, "sub_questions": [
			{"question": "q1", "kind": "numerical"},
			{"question": "q2", "kind": "qualitative"},
			{"question": "q3", "kind": "analytical"}
		]}`},
		// q1 agent: one structured lookup, then an answer. q2 and q3 consume
		// no model turns at all.
		llms.FakeTurn{ToolCalls: []*protocol.ToolCall{
			{ID: "c1", Name: "get_stock_info", Args: map[string]any{"symbol": "AAPL"}},
		}},
		llms.FakeTurn{Text: "A1", Tokens: 3},
		// Synthesis.
		llms.FakeTurn{Text: "Final synthesis.", Tokens: 4},
	)

	e := NewEngine(fake, fake, []tools.Tool{search, quote}, serialConfig(1))
	sink := &agent.CollectSink{}

	out, err := e.Run(context.Background(), "compare AAPL things", "", sink)
	require.NoError(t, err)

	require.Len(t, out.Findings, 3)

	numerical := out.Findings[0]
	assert.Equal(t, OriginTool, numerical.Origin)
	assert.Equal(t, "A1", numerical.Answer)
	assert.Equal(t, 1, numerical.ToolHits)
	assert.Zero(t, numerical.WebHits)

	qualitative := out.Findings[1]
	assert.Equal(t, OriginWeb, qualitative.Origin)
	assert.Equal(t, search.output, qualitative.Answer)
	assert.Equal(t, 1, qualitative.WebHits)
	assert.Equal(t, 1, search.calls)

	deferred := out.Findings[2]
	assert.Equal(t, OriginDeferred, deferred.Origin)
	assert.Equal(t, "(to be synthesized)", deferred.Answer)
	assert.Zero(t, deferred.ToolHits+deferred.WebHits)

	assert.Equal(t, "Final synthesis.", out.Answer)
	assert.Equal(t, 1, out.Meta.Iterations)
	assert.Equal(t, 3, out.Meta.SubQuestions)
	assert.Equal(t, 1, out.Meta.ToolHits)
	assert.Equal(t, 1, out.Meta.WebHits)
	assert.Equal(t, []string{"https://example.com/aapl"}, out.Sources)

	assert.Contains(t, sink.Statuses, "Researching 3 sub-questions...")
	assert.Contains(t, sink.Statuses, "Synthesizing answer...")
	streamed := ""
	for _, c := range sink.Contents {
		streamed += c
	}
	assert.Equal(t, "Final synthesis.", streamed)
}

func TestEngine_NumericalFallsBackToWeb(t *testing.T) {
	search := &toolStub{name: "web_search", output: "https://fallback.example/data"}

	fake := llms.NewFakeProvider("fake",
		llms.FakeTurn{Structured: `{"complex": true, "sub_questions": [
			{"question": "q1", "kind": "numerical"},
			{"question": "q2", "kind": "numerical"}
		]}`},
		// q1's agent run fails; the engine retries it with one web search.
		llms.FakeTurn{Err: fmt.Errorf("provider exploded")},
		llms.FakeTurn{Text: "A2"},
		llms.FakeTurn{Text: "Synth"},
	)

	e := NewEngine(fake, fake, []tools.Tool{search}, serialConfig(1))
	out, err := e.Run(context.Background(), "q", "", nil)
	require.NoError(t, err)

	require.Len(t, out.Findings, 2)
	assert.Equal(t, OriginWeb, out.Findings[0].Origin)
	assert.NoError(t, out.Findings[0].Err)
	assert.Equal(t, search.output, out.Findings[0].Answer)
	assert.Equal(t, OriginTool, out.Findings[1].Origin)
	assert.Equal(t, []string{"https://fallback.example/data"}, out.Sources)
}

func TestEngine_GapIteration(t *testing.T) {
	search := &toolStub{name: "web_search", output: "results https://s.example/r"}

	fake := llms.NewFakeProvider("fake",
		llms.FakeTurn{Structured: `{"complex": true, "sub_questions": [
			{"question": "q1", "kind": "qualitative"},
			{"question": "q2", "kind": "qualitative"}
		]}`},
		// Gap detection asks one follow-up.
		llms.FakeTurn{Structured: `{"complete": false, "gaps": ["third figure missing"], "follow_ups": [
			{"question": "g1", "kind": "qualitative"}
		]}`},
		llms.FakeTurn{Text: "Synth"},
	)

	e := NewEngine(fake, fake, []tools.Tool{search}, serialConfig(2))
	out, err := e.Run(context.Background(), "q", "", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, out.Meta.Iterations)
	require.Len(t, out.Findings, 3)
	assert.Equal(t, 0, out.Findings[0].Iteration)
	assert.Equal(t, 0, out.Findings[1].Iteration)
	assert.Equal(t, 1, out.Findings[2].Iteration)
	assert.Equal(t, "g1", out.Findings[2].Question)
	assert.Equal(t, 3, search.calls)
	assert.Equal(t, "Synth", out.Answer)
}

func TestEngine_NoGapsStopsEarly(t *testing.T) {
	search := &toolStub{name: "web_search", output: "enough"}

	fake := llms.NewFakeProvider("fake",
		llms.FakeTurn{Structured: `{"complex": true, "sub_questions": [
			{"question": "q1", "kind": "qualitative"},
			{"question": "q2", "kind": "qualitative"}
		]}`},
		llms.FakeTurn{Structured: `{"complete": true, "gaps": [], "follow_ups": []}`},
		llms.FakeTurn{Text: "Synth"},
	)

	e := NewEngine(fake, fake, []tools.Tool{search}, serialConfig(3))
	out, err := e.Run(context.Background(), "q", "", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Meta.Iterations)
	assert.Len(t, out.Findings, 2)
}

func TestEngine_FailedSubQuestionIsIsolated(t *testing.T) {
	// No web search tool registered, so the failed numerical sub-question
	// has no fallback either.
	fake := llms.NewFakeProvider("fake",
		llms.FakeTurn{Structured: `{"complex": true, "sub_questions": [
			{"question": "q1", "kind": "numerical"},
			{"question": "q2", "kind": "numerical"}
		]}`},
		llms.FakeTurn{Err: fmt.Errorf("provider exploded")},
		llms.FakeTurn{Text: "A2"},
		llms.FakeTurn{Text: "Synth"},
	)

	e := NewEngine(fake, fake, nil, serialConfig(1))
	out, err := e.Run(context.Background(), "q", "", nil)
	require.NoError(t, err)

	require.Len(t, out.Findings, 2)
	assert.Equal(t, OriginError, out.Findings[0].Origin)
	assert.Error(t, out.Findings[0].Err)
	assert.Contains(t, out.Findings[0].Answer, "research failed")
	assert.Equal(t, "A2", out.Findings[1].Answer)
	assert.Equal(t, "Synth", out.Answer)
}

func TestSynthesizer_PromptCarriesProhibitions(t *testing.T) {
	fake := llms.NewFakeProvider("fake", llms.FakeTurn{Text: "done"})

	_, err := NewSynthesizer(fake).Synthesize(context.Background(), "q",
		[]Finding{{Question: "q1", Answer: "42"}}, nil)
	require.NoError(t, err)

	require.NotEmpty(t, fake.Messages)
	system := fake.Messages[0][0].Content
	assert.Contains(t, system, "Do not aggregate numbers across sources")
	assert.Contains(t, system, "Do not present partial data as a total")
	assert.Contains(t, system, "Do not fabricate missing values")
}

func TestRenderFindings_MarksFailures(t *testing.T) {
	rendered := renderFindings([]Finding{
		{Question: "q1", Answer: "42"},
		{Question: "q2", Err: fmt.Errorf("timeout")},
	})
	assert.Contains(t, rendered, "1. Q: q1")
	assert.Contains(t, rendered, "A: 42")
	assert.Contains(t, rendered, "(research failed: timeout)")
}

func TestExtractSources(t *testing.T) {
	urls := extractSources(
		&protocol.ToolCall{Name: "web_search"},
		"[1] Title\nhttps://a.example/x\nsnippet\n[2] Other\nhttps://b.example/y\nmore")
	assert.Equal(t, []string{"https://a.example/x", "https://b.example/y"}, urls)

	urls = extractSources(
		&protocol.ToolCall{Name: "fetch_url", Args: map[string]any{"url": "https://c.example"}},
		"page text")
	assert.Equal(t, []string{"https://c.example"}, urls)

	assert.Empty(t, extractSources(&protocol.ToolCall{Name: "calculate"}, "4"))
}
