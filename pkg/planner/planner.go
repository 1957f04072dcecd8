// Package planner matches incoming queries against the skill registry and
// produces execution plans for the agent runner.
package planner

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/finscope/finscope/pkg/registry"
)

// Query is what skill matchers see.
type Query struct {
	Text           string
	HasPageContent bool
	Override       string
}

// MatchFunc scores how well a skill fits a query. Scores must be
// deterministic: the same query always yields the same score. Zero means
// no match.
type MatchFunc func(q Query) float64

// Skill is one planned capability: a task instruction, the tools it may
// use, and a turn budget for the agent loop.
type Skill struct {
	Name        string
	Description string
	Instruction string
	// Tools lists tool names, or the single element tools.AllTools.
	// An empty list means the skill runs as a single model call with no
	// tool access.
	Tools    []string
	MaxTurns int
	Match    MatchFunc
}

// Plan is the planner's output for one request.
type Plan struct {
	Skill       *Skill
	Instruction string
	ToolNames   []string
	MaxTurns    int
	Score       float64
}

// Planner holds skills in registration order. When scores tie, the earlier
// registered skill wins, which keeps planning deterministic.
type Planner struct {
	skills *registry.BaseRegistry[*Skill]
}

func New() *Planner {
	return &Planner{skills: registry.NewBaseRegistry[*Skill]()}
}

// Register validates and adds a skill.
func (p *Planner) Register(s *Skill) error {
	if s.Match == nil {
		return fmt.Errorf("skill %s: missing match function", s.Name)
	}
	if s.MaxTurns < 1 {
		return fmt.Errorf("skill %s: max turns must be positive", s.Name)
	}
	if len(s.Tools) == 0 && s.MaxTurns != 1 {
		return fmt.Errorf("skill %s: a skill without tools must run in a single turn", s.Name)
	}
	return p.skills.Register(s.Name, s)
}

// Skills returns registered skills in registration order.
func (p *Planner) Skills() []*Skill {
	return p.skills.List()
}

// Plan scores every skill against the query and returns the winner's
// execution plan. Returns an error only when no skill matches at all,
// which cannot happen once a fallback skill is registered.
func (p *Planner) Plan(q Query) (*Plan, error) {
	q.Text = strings.TrimSpace(q.Text)

	var best *Skill
	bestScore := 0.0
	for _, s := range p.skills.List() {
		score := s.Match(q)
		if score > bestScore {
			best = s
			bestScore = score
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no skill matched query")
	}

	slog.Debug("Planned skill", "skill", best.Name, "score", bestScore)

	return &Plan{
		Skill:       best,
		Instruction: best.Instruction,
		ToolNames:   best.Tools,
		MaxTurns:    best.MaxTurns,
		Score:       bestScore,
	}, nil
}
