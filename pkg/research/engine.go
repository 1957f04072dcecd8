package research

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/finscope/finscope/pkg/agent"
	"github.com/finscope/finscope/pkg/config"
	"github.com/finscope/finscope/pkg/llms"
	"github.com/finscope/finscope/pkg/observability"
	"github.com/finscope/finscope/pkg/protocol"
	"github.com/finscope/finscope/pkg/tools"
)

// subQuestionTurns bounds each numerical sub-question's agent loop.
// Sub-questions are narrower than full queries, so they get a tighter
// budget.
const subQuestionTurns = 4

const researchSystemPrompt = "You are answering one focused sub-question of a larger financial " +
	"research task. Use the tools to get real data, answer only the sub-question, and keep the " +
	"answer dense with figures and sources."

// deferredAnswer marks an analytical finding whose content the synthesizer
// derives from the other findings.
const deferredAnswer = "(to be synthesized)"

const webSearchToolName = "web_search"

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// Origin records how a finding was produced.
type Origin string

const (
	OriginTool     Origin = "tool"
	OriginWeb      Origin = "web"
	OriginDeferred Origin = "deferred"
	OriginError    Origin = "error"
)

// Finding is the answer to one sub-question.
type Finding struct {
	Question  string
	Kind      SubQuestionKind
	Origin    Origin
	Answer    string
	Iteration int
	Index     int
	Sources   []string
	ToolHits  int
	WebHits   int
	Err       error
}

// Meta summarizes a research run for the response envelope.
type Meta struct {
	Iterations   int `json:"iterations"`
	SubQuestions int `json:"subq_count"`
	ToolHits     int `json:"tool_hits"`
	WebHits      int `json:"web_hits"`
}

// Output is the result of a research run.
type Output struct {
	Answer   string
	Sources  []string
	Findings []Finding
	Meta     Meta
}

// Engine orchestrates decomposition research: analyze, answer sub-questions
// in parallel by kind, detect gaps, iterate, synthesize. The classifier
// provider serves the cheap structured calls (analysis, gap detection); the
// model provider serves the sub-question agents and the synthesis.
type Engine struct {
	model     llms.Provider
	dataTools []tools.Tool
	webSearch tools.Tool
	cfg       config.ResearchConfig

	analyzer *Analyzer
	gaps     *GapDetector
	synth    *Synthesizer
}

func NewEngine(classifier, model llms.Provider, selected []tools.Tool, cfg config.ResearchConfig) *Engine {
	e := &Engine{
		model:    model,
		cfg:      cfg,
		analyzer: NewAnalyzer(classifier, cfg.MaxSubQuestions),
		gaps:     NewGapDetector(classifier),
		synth:    NewSynthesizer(model),
	}
	// Numerical sub-questions run against structured data tools only; the
	// web tools stay out of their allow-list and serve as the fallback.
	for _, t := range selected {
		switch t.Name() {
		case webSearchToolName:
			e.webSearch = t
		case "fetch_url", "browse_page":
		default:
			e.dataTools = append(e.dataTools, t)
		}
	}
	return e
}

// safeSink serializes sink calls from concurrent sub-question workers.
type safeSink struct {
	mu   sync.Mutex
	sink agent.Sink
}

func (s *safeSink) Status(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.Status(message)
}

func (s *safeSink) Content(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.Content(text)
}

// Run executes the full research flow. ErrNoDecomposition passes through
// untouched so the caller can fall back to a single agent run.
func (e *Engine) Run(ctx context.Context, query, contextBlock string, rawSink agent.Sink) (*Output, error) {
	if rawSink == nil {
		rawSink = agent.NopSink{}
	}
	sink := &safeSink{sink: rawSink}

	sink.Status("Analyzing question...")
	subs, err := e.analyzer.Decompose(ctx, query)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	iterations := 0

	for iterations < e.cfg.MaxIterations {
		if iterations == 0 {
			sink.Status(fmt.Sprintf("Researching %d sub-questions...", len(subs)))
		} else {
			sink.Status(fmt.Sprintf("Filling %d gaps...", len(subs)))
		}

		findings = append(findings, e.answerWave(ctx, subs, contextBlock, iterations)...)
		iterations++

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if iterations >= e.cfg.MaxIterations {
			break
		}

		followUps, err := e.gaps.Detect(ctx, query, findings)
		if err != nil {
			slog.Warn("Gap detection failed, stopping iteration", "error", err)
			break
		}
		if len(followUps) == 0 {
			break
		}
		subs = followUps
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Iteration != findings[j].Iteration {
			return findings[i].Iteration < findings[j].Iteration
		}
		return findings[i].Index < findings[j].Index
	})

	out := &Output{Findings: findings}
	out.Meta.Iterations = iterations
	out.Meta.SubQuestions = len(findings)

	seen := map[string]bool{}
	for _, f := range findings {
		out.Meta.ToolHits += f.ToolHits
		out.Meta.WebHits += f.WebHits
		for _, src := range f.Sources {
			if !seen[src] {
				seen[src] = true
				out.Sources = append(out.Sources, src)
			}
		}
	}

	observability.ResearchIterations.Observe(float64(out.Meta.Iterations))
	observability.ResearchSubQuestions.Observe(float64(out.Meta.SubQuestions))

	sink.Status("Synthesizing answer...")
	answer, err := e.synth.Synthesize(ctx, query, findings, sink.Content)
	if err != nil {
		return nil, err
	}
	out.Answer = answer
	return out, nil
}

// answerWave answers one batch of sub-questions with bounded parallelism.
// A failed sub-question becomes a Finding with origin error; it never takes
// the wave down with it.
func (e *Engine) answerWave(ctx context.Context, subs []SubQuestion, contextBlock string, iteration int) []Finding {
	sem := semaphore.NewWeighted(int64(e.cfg.MaxParallel))
	findings := make([]Finding, len(subs))

	var wg sync.WaitGroup
	for i, sub := range subs {
		findings[i] = Finding{Question: sub.Question, Kind: sub.Kind, Iteration: iteration, Index: i}

		// Analytical sub-questions do no I/O of their own: the synthesizer
		// answers them from the other findings.
		if sub.Kind == KindAnalytical {
			findings[i].Origin = OriginDeferred
			findings[i].Answer = deferredAnswer
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			findings[i].Origin = OriginError
			findings[i].Err = err
			continue
		}

		wg.Add(1)
		go func(i int, sub SubQuestion) {
			defer wg.Done()
			defer sem.Release(1)

			subCtx, cancel := context.WithTimeout(ctx, e.cfg.SubQuestionTimeout)
			defer cancel()

			switch sub.Kind {
			case KindNumerical:
				e.answerNumerical(subCtx, sub, contextBlock, &findings[i])
			default:
				e.answerWithWebSearch(subCtx, sub, &findings[i])
			}

			if findings[i].Origin == OriginError {
				slog.Warn("Sub-question failed",
					"iteration", iteration,
					"index", i,
					"kind", sub.Kind,
					"error", findings[i].Err)
			}
		}(i, sub)
	}
	wg.Wait()

	return findings
}

// answerNumerical runs a tool-using agent over the structured data tools.
// An empty or failed run falls back to one web search.
func (e *Engine) answerNumerical(ctx context.Context, sub SubQuestion, contextBlock string, f *Finding) {
	runner := agent.NewRunner(e.model, e.dataTools, e.cfg.ToolTimeout)
	result, err := runner.Run(ctx,
		agent.BuildMessages(researchSystemPrompt, contextBlock, sub.Question),
		subQuestionTurns, nil)

	if result != nil {
		for _, exec := range result.ToolExecutions {
			f.ToolHits++
			if exec.Err == nil {
				f.Sources = append(f.Sources, extractSources(exec.Call, exec.Output)...)
			}
		}
	}

	// A turn-budget overrun with text in hand still counts as an answer;
	// an error or empty run falls through to the web.
	if result != nil && result.Text != "" {
		f.Origin = OriginTool
		f.Answer = result.Text
		return
	}
	if err != nil {
		f.Err = err
	}
	e.answerWithWebSearch(ctx, sub, f)
}

// answerWithWebSearch answers a sub-question with a single web search.
func (e *Engine) answerWithWebSearch(ctx context.Context, sub SubQuestion, f *Finding) {
	if e.webSearch == nil {
		f.Origin = OriginError
		if f.Err == nil {
			f.Err = fmt.Errorf("no web search tool available")
		}
		f.Answer = fmt.Sprintf("(research failed: %v)", f.Err)
		return
	}

	output, err := e.webSearch.Execute(ctx, map[string]any{"query": sub.Question})
	f.WebHits++
	if err != nil || output == "" {
		f.Origin = OriginError
		f.Err = err
		if f.Err == nil {
			f.Err = fmt.Errorf("web search returned nothing")
		}
		f.Answer = fmt.Sprintf("(research failed: %v)", f.Err)
		return
	}

	f.Origin = OriginWeb
	f.Answer = output
	f.Err = nil
	f.Sources = append(f.Sources, urlPattern.FindAllString(output, -1)...)
}

// extractSources pulls source URLs out of a tool execution: the fetched
// URL for page tools, result URLs embedded in web search output.
func extractSources(call *protocol.ToolCall, output string) []string {
	switch call.Name {
	case webSearchToolName:
		return urlPattern.FindAllString(output, -1)
	case "fetch_url", "browse_page":
		if u, ok := call.Args["url"].(string); ok && u != "" {
			return []string{u}
		}
	}
	return nil
}
