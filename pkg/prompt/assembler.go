package prompt

import (
	"net/url"
	"strings"
	"time"
)

const defaultBasePrompt = `You are a financial research assistant. Answer questions about ` +
	`markets, companies, and economic data using the tools available to you. ` +
	`Be precise with numbers, cite the data you used, and say so plainly when ` +
	`information is unavailable rather than guessing.`

// Input carries everything request-specific the assembler needs.
type Input struct {
	// SkillInstruction is the matched skill's task instruction.
	SkillInstruction string
	// Override, when set, replaces SkillInstruction entirely.
	Override string
	// PageURL selects a site-specific fragment by host suffix.
	PageURL string
	// PreferredSources biases tool use toward these sites or URLs.
	PreferredSources []string
	// Now stamps the prompt with the current time; zero means time.Now.
	Now time.Time
}

// Assembler builds the final system prompt: base fragment, then the
// site-specific fragment for the current page's host, then the current
// time, then source preferences, then the task instruction (skill's,
// unless overridden).
type Assembler struct {
	store *FragmentStore
}

func NewAssembler(store *FragmentStore) *Assembler {
	return &Assembler{store: store}
}

func (a *Assembler) Assemble(in Input) string {
	var parts []string

	parts = append(parts, a.store.Get("base", defaultBasePrompt))

	if site := a.siteFragment(in.PageURL); site != "" {
		parts = append(parts, site)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	parts = append(parts, "Current date and time: "+now.UTC().Format("Monday, 2 January 2006 15:04 MST"))

	if len(in.PreferredSources) > 0 {
		parts = append(parts, "When searching or citing, prefer these sources: "+
			strings.Join(in.PreferredSources, ", "))
	}

	instruction := in.SkillInstruction
	if in.Override != "" {
		instruction = in.Override
	}
	if instruction != "" {
		parts = append(parts, instruction)
	}

	return strings.Join(parts, "\n\n")
}

// siteFragment picks the sites/<name> fragment whose name is a domain
// suffix of the page host. The longest matching suffix wins, so
// "sites/finance.yahoo.com" beats "sites/yahoo.com".
func (a *Assembler) siteFragment(pageURL string) string {
	host := hostOf(pageURL)
	if host == "" {
		return ""
	}

	bestLen := 0
	best := ""
	for _, name := range a.store.Names() {
		domain, ok := strings.CutPrefix(name, "sites/")
		if !ok {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			if len(domain) > bestLen {
				bestLen = len(domain)
				best = name
			}
		}
	}
	if best == "" {
		return ""
	}
	return a.store.Get(best, "")
}

func hostOf(pageURL string) string {
	if pageURL == "" {
		return ""
	}
	u, err := url.Parse(pageURL)
	if err != nil || u.Hostname() == "" {
		u, err = url.Parse("https://" + pageURL)
		if err != nil {
			return ""
		}
	}
	return strings.ToLower(u.Hostname())
}
