// Package session implements the per-session context store: chat turns,
// scraped page content, web search results, and tool outputs, rendered into
// a single context block for the model.
package session

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/finscope/finscope/pkg/utils"
)

type EntryKind string

const (
	KindUserMessage      EntryKind = "user_message"
	KindAssistantMessage EntryKind = "assistant_message"
	KindPageContent      EntryKind = "page_content"
	KindWebSearch        EntryKind = "web_search"
	KindToolOutput       EntryKind = "tool_output"
)

// Render markers. The prompts instruct the model on how to treat each block
// (the page marker in particular stops re-scrape loops), so the exact text
// is load-bearing.
const (
	markerPageContent = "[CURRENT PAGE CONTENT - Already scraped, do NOT re-scrape]: "
	markerWebSearch   = "[WEB SEARCH RESULTS]: "
	markerToolOutput  = "[TOOL OUTPUTS]: "
	markerUser        = "[USER MESSAGE]: "
	markerAssistant   = "[ASSISTANT MESSAGE]: "
)

// Limits bounds what one session may hold. MaxArtifactChars caps the TOTAL
// characters per kind, not per entry: a single entry is truncated to fit,
// and older entries of the kind evict oldest-first until both the count and
// the character sum are within bounds.
type Limits struct {
	MaxArtifactsPerKind int
	MaxArtifactChars    int
}

type Entry struct {
	Kind    EntryKind `json:"kind"`
	Content string    `json:"content"`
	URL     string    `json:"url,omitempty"`
	At      time.Time `json:"at"`
}

// Session is the mutable conversation state for one client session. It is
// not safe for concurrent use; the store serializes access per session.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Entries   []Entry   `json:"entries"`
	Sources   []string  `json:"sources,omitempty"`

	limits Limits
}

func New(id string, limits Limits) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		limits:    limits,
	}
}

// SetLimits reattaches limits after deserialization.
func (s *Session) SetLimits(limits Limits) { s.limits = limits }

func (s *Session) touch() { s.UpdatedAt = time.Now().UTC() }

func (s *Session) truncate(content string) string {
	if s.limits.MaxArtifactChars > 0 && len(content) > s.limits.MaxArtifactChars {
		return cutAtRune(content, s.limits.MaxArtifactChars)
	}
	return content
}

// cutAtRune truncates to at most max bytes without splitting a UTF-8 rune.
func cutAtRune(content string, max int) string {
	for max > 0 && !utf8.RuneStart(content[max]) {
		max--
	}
	return content[:max]
}

func (s *Session) append(kind EntryKind, content, url string) {
	s.Entries = append(s.Entries, Entry{
		Kind:    kind,
		Content: s.truncate(content),
		URL:     url,
		At:      time.Now().UTC(),
	})
	s.evictOldest(kind)
	s.touch()
}

// evictOldest drops the oldest entries of a kind until both the per-kind
// count and the per-kind character sum are within limits. The newest entry
// is never evicted; truncate already bounded it to the character budget.
func (s *Session) evictOldest(kind EntryKind) {
	maxCount := s.limits.MaxArtifactsPerKind
	maxChars := s.limits.MaxArtifactChars

	count, chars := 0, 0
	for _, e := range s.Entries {
		if e.Kind == kind {
			count++
			chars += len(e.Content)
		}
	}
	for count > 1 && ((maxCount > 0 && count > maxCount) || (maxChars > 0 && chars > maxChars)) {
		for i, e := range s.Entries {
			if e.Kind == kind {
				s.Entries = append(s.Entries[:i], s.Entries[i+1:]...)
				count--
				chars -= len(e.Content)
				break
			}
		}
	}
}

func (s *Session) AddUserMessage(content string)      { s.append(KindUserMessage, content, "") }
func (s *Session) AddAssistantMessage(content string) { s.append(KindAssistantMessage, content, "") }
func (s *Session) AddToolOutput(content string)       { s.append(KindToolOutput, content, "") }

// AddSearchResults records formatted web search output and its source URLs.
func (s *Session) AddSearchResults(content string, urls ...string) {
	s.append(KindWebSearch, content, "")
	s.AddSources(urls...)
}

// SetPageContent replaces any previous page content: there is exactly one
// current page per session.
func (s *Session) SetPageContent(content, url string) {
	kept := s.Entries[:0]
	for _, e := range s.Entries {
		if e.Kind != KindPageContent {
			kept = append(kept, e)
		}
	}
	s.Entries = kept
	s.append(KindPageContent, content, url)
	if url != "" {
		s.AddSources(url)
	}
}

// AddSources appends deduplicated source URLs in first-seen order.
func (s *Session) AddSources(urls ...string) {
	for _, u := range urls {
		if u == "" {
			continue
		}
		seen := false
		for _, existing := range s.Sources {
			if existing == u {
				seen = true
				break
			}
		}
		if !seen {
			s.Sources = append(s.Sources, u)
		}
	}
	s.touch()
}

// Clear drops conversation state. With preserveWeb set, page content, web
// search results, and sources survive; otherwise everything goes.
func (s *Session) Clear(preserveWeb bool) {
	if !preserveWeb {
		s.Entries = nil
		s.Sources = nil
		s.touch()
		return
	}

	kept := s.Entries[:0]
	for _, e := range s.Entries {
		if e.Kind == KindPageContent || e.Kind == KindWebSearch {
			kept = append(kept, e)
		}
	}
	s.Entries = kept
	s.touch()
}

// HasPageContent reports whether a scraped page is attached.
func (s *Session) HasPageContent() bool {
	for _, e := range s.Entries {
		if e.Kind == KindPageContent {
			return true
		}
	}
	return false
}

// TurnCount reports completed user turns.
func (s *Session) TurnCount() int {
	n := 0
	for _, e := range s.Entries {
		if e.Kind == KindUserMessage {
			n++
		}
	}
	return n
}

func marker(kind EntryKind) string {
	switch kind {
	case KindPageContent:
		return markerPageContent
	case KindWebSearch:
		return markerWebSearch
	case KindToolOutput:
		return markerToolOutput
	case KindUserMessage:
		return markerUser
	case KindAssistantMessage:
		return markerAssistant
	default:
		return ""
	}
}

// RenderForLLM flattens the session into one context block, entries in
// chronological order, each prefixed with its marker.
func (s *Session) RenderForLLM() string {
	entries := make([]Entry, len(s.Entries))
	copy(entries, s.Entries)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })

	var b strings.Builder
	for _, e := range entries {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(marker(e.Kind))
		b.WriteString(e.Content)
	}
	return b.String()
}

// Stats is the payload for the memory stats endpoint.
type Stats struct {
	SessionID      string         `json:"session_id"`
	TurnCount      int            `json:"turn_count"`
	ArtifactCounts map[string]int `json:"artifact_counts"`
	SourceCount    int            `json:"source_count"`
	ApproxTokens   int            `json:"approx_tokens"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// tokenCounter backs ApproxTokens. NewTokenCounter only fails when the
// cl100k_base tables are unavailable, in which case the nil counter falls
// back to the characters/4 estimate.
var tokenCounter, _ = utils.NewTokenCounter("gpt-4o")

func (s *Session) Stats() Stats {
	counts := map[string]int{}
	tokens := 0
	for _, e := range s.Entries {
		counts[string(e.Kind)]++
		tokens += tokenCounter.Count(e.Content)
	}
	return Stats{
		SessionID:      s.ID,
		TurnCount:      s.TurnCount(),
		ArtifactCounts: counts,
		SourceCount:    len(s.Sources),
		ApproxTokens:   tokens,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}
