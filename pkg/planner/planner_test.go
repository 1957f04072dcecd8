package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finscope/finscope/pkg/tools"
)

func newDefaultPlanner(t *testing.T) *Planner {
	t.Helper()
	p := New()
	require.NoError(t, RegisterDefaultSkills(p))
	return p
}

func TestPlan_DomainSkillSelection(t *testing.T) {
	p := newDefaultPlanner(t)

	tests := []struct {
		query string
		skill string
	}{
		{"What is NVDA's P/E ratio compared to AMD?", "stock_fundamentals"},
		{"Show me the implied volatility on TSLA calls expiring Friday", "options_analysis"},
		{"Walk me through Apple's balance sheet for fiscal 2025", "financial_statements"},
		{"Is MSFT overbought on the RSI right now?", "technical_analysis"},
		{"What happened in markets today?", "web_research"},
	}

	for _, tt := range tests {
		plan, err := p.Plan(Query{Text: tt.query})
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.skill, plan.Skill.Name, tt.query)
	}
}

func TestPlan_DomainSkillToolAllowLists(t *testing.T) {
	p := newDefaultPlanner(t)

	tests := []struct {
		query string
		tools []string
	}{
		{"What is NVDA's P/E ratio?",
			[]string{"get_stock_info", "get_stock_history", "calculate"}},
		{"Show me the implied volatility on TSLA calls",
			[]string{"get_options_summary", "get_options_chain", "calculate"}},
		{"Walk me through Apple's balance sheet",
			[]string{"get_stock_financials", "get_earnings_info", "calculate"}},
		{"Is MSFT overbought on the RSI?",
			[]string{"get_technical_indicators", "get_stock_history", "calculate"}},
	}

	for _, tt := range tests {
		plan, err := p.Plan(Query{Text: tt.query})
		require.NoError(t, err, tt.query)
		assert.Equal(t, tt.tools, plan.ToolNames, tt.query)
		// Domain skills work from structured data; only the fallback
		// skill carries web_search.
		assert.NotContains(t, plan.ToolNames, "web_search", tt.query)
	}
}

func TestPlan_SummarizeRequiresPageContent(t *testing.T) {
	p := newDefaultPlanner(t)

	plan, err := p.Plan(Query{Text: "summarize this page", HasPageContent: true})
	require.NoError(t, err)
	assert.Equal(t, "summarize_page", plan.Skill.Name)
	assert.Empty(t, plan.ToolNames)
	assert.Equal(t, 1, plan.MaxTurns)

	// Same text without page content falls through to research.
	plan, err = p.Plan(Query{Text: "summarize this page", HasPageContent: false})
	require.NoError(t, err)
	assert.Equal(t, "web_research", plan.Skill.Name)
}

func TestPlan_FallbackAlwaysMatches(t *testing.T) {
	p := newDefaultPlanner(t)

	plan, err := p.Plan(Query{Text: "xyzzy"})
	require.NoError(t, err)
	assert.Equal(t, "web_research", plan.Skill.Name)
	assert.Equal(t, []string{tools.AllTools}, plan.ToolNames)
	assert.Equal(t, 10, plan.MaxTurns)
}

func TestPlan_Deterministic(t *testing.T) {
	p := newDefaultPlanner(t)
	q := Query{Text: "What is the dividend yield and market cap of KO?"}

	first, err := p.Plan(q)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := p.Plan(q)
		require.NoError(t, err)
		assert.Equal(t, first.Skill.Name, again.Skill.Name)
		assert.Equal(t, first.Score, again.Score)
	}
}

func TestRegister_ValidatesSkills(t *testing.T) {
	p := New()

	err := p.Register(&Skill{Name: "bad", MaxTurns: 1})
	assert.ErrorContains(t, err, "missing match function")

	err = p.Register(&Skill{
		Name:     "no-tools-multi-turn",
		MaxTurns: 3,
		Match:    func(Query) float64 { return 1 },
	})
	assert.ErrorContains(t, err, "single turn")
}

func TestPlan_TieBreaksByRegistrationOrder(t *testing.T) {
	p := New()
	always := func(Query) float64 { return 0.5 }
	require.NoError(t, p.Register(&Skill{Name: "first", MaxTurns: 1, Match: always}))
	require.NoError(t, p.Register(&Skill{Name: "second", MaxTurns: 1, Match: always}))

	plan, err := p.Plan(Query{Text: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "first", plan.Skill.Name)
}
