package planner

import (
	"strings"

	"github.com/finscope/finscope/pkg/tools"
)

// Keyword matching weights. A domain skill needs at least one keyword hit;
// extra hits nudge the score so the most specific skill wins, but never
// enough to cross into another skill's base band.
const (
	domainBaseScore  = 0.9
	keywordBonus     = 0.005
	maxKeywordBonus  = 0.05
	summarizeScore   = 1.0
	fallbackScore    = 0.1
	defaultSkillTurn = 3
)

func keywordScore(text string, keywords []string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	if hits == 0 {
		return 0
	}
	bonus := float64(hits) * keywordBonus
	if bonus > maxKeywordBonus {
		bonus = maxKeywordBonus
	}
	return domainBaseScore + bonus
}

var summarizeKeywords = []string{
	"summarize", "summarise", "summary", "tl;dr", "tldr",
	"key points", "key takeaways", "this page", "this article",
}

// RegisterDefaultSkills installs the built-in skills in priority order.
// Tool names beyond the built-ins refer to market-data tools discovered
// from MCP servers; missing ones are dropped at execution time.
func RegisterDefaultSkills(p *Planner) error {
	skills := []*Skill{
		{
			Name:        "summarize_page",
			Description: "Summarize the user's current page without any tool use.",
			Instruction: "Summarize the provided page content. Lead with the key figures and conclusions. Do not fetch any additional data.",
			Tools:       nil,
			MaxTurns:    1,
			Match: func(q Query) float64 {
				if !q.HasPageContent {
					return 0
				}
				if q.Override != "" && q.Text == "" {
					return summarizeScore
				}
				if keywordScore(q.Text, summarizeKeywords) > 0 {
					return summarizeScore
				}
				return 0
			},
		},
		{
			Name:        "stock_fundamentals",
			Description: "Company valuation and fundamental metrics.",
			Instruction: "Answer using fundamental data: valuation ratios, earnings, margins, and growth. Pull live figures with the market-data tools and show the numbers behind every conclusion.",
			Tools:       []string{"get_stock_info", "get_stock_history", "calculate"},
			MaxTurns:    defaultSkillTurn,
			Match: func(q Query) float64 {
				return keywordScore(q.Text, []string{
					"p/e", "pe ratio", "market cap", "eps", "dividend",
					"valuation", "fundamentals", "book value", "profit margin",
					"revenue growth", "earnings per share", "price", "volume",
				})
			},
		},
		{
			Name:        "options_analysis",
			Description: "Options chains, implied volatility, and greeks.",
			Instruction: "Analyze the options question with chain data: strikes, expirations, implied volatility, open interest, and greeks. Use the calculator for payoff arithmetic.",
			Tools:       []string{"get_options_summary", "get_options_chain", "calculate"},
			MaxTurns:    defaultSkillTurn,
			Match: func(q Query) float64 {
				return keywordScore(q.Text, []string{
					"option", "call option", "put option", "strike",
					"implied volatility", " iv ", "greeks", "delta", "theta",
					"gamma", "vega", "open interest", "expiration", "expiry",
					"covered call", "straddle", "spread",
				})
			},
		},
		{
			Name:        "financial_statements",
			Description: "Income statement, balance sheet, and cash flow questions.",
			Instruction: "Answer from the company's financial statements. Name the statement, period, and line items you used, and reconcile any derived figures with the calculator.",
			Tools:       []string{"get_stock_financials", "get_earnings_info", "calculate"},
			MaxTurns:    defaultSkillTurn,
			Match: func(q Query) float64 {
				return keywordScore(q.Text, []string{
					"income statement", "balance sheet", "cash flow",
					"10-k", "10-q", "annual report", "quarterly report",
					"total assets", "liabilities", "shareholders equity",
					"operating income", "net income", "free cash flow",
				})
			},
		},
		{
			Name:        "technical_analysis",
			Description: "Price action, indicators, and chart levels.",
			Instruction: "Answer with technical analysis: trend, momentum indicators, and support/resistance levels from recent price history. State the timeframe for every observation.",
			Tools:       []string{"get_technical_indicators", "get_stock_history", "calculate"},
			MaxTurns:    defaultSkillTurn,
			Match: func(q Query) float64 {
				return keywordScore(q.Text, []string{
					"rsi", "macd", "moving average", "sma", "ema",
					"support", "resistance", "bollinger", "breakout",
					"technical analysis", "chart pattern", "trend line",
					"momentum", "overbought", "oversold",
				})
			},
		},
		{
			Name:        "web_research",
			Description: "General financial research fallback with every tool available.",
			Instruction: "Research the question with whatever tools help: search the web, fetch pages, pull market data, and compute. Cite the sources behind your answer.",
			Tools:       []string{tools.AllTools},
			MaxTurns:    10,
			Match: func(q Query) float64 {
				// Always matches so no query goes unanswered.
				return fallbackScore
			},
		},
	}

	for _, s := range skills {
		if err := p.Register(s); err != nil {
			return err
		}
	}
	return nil
}
