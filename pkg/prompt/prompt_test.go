package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFragment(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestStore(t *testing.T) (*FragmentStore, string) {
	t.Helper()
	dir := t.TempDir()
	writeFragment(t, dir, "base.md", "BASE PROMPT")
	writeFragment(t, dir, "sites/yahoo.com.md", "YAHOO GENERIC")
	writeFragment(t, dir, "sites/finance.yahoo.com.md", "YAHOO FINANCE SPECIFIC")

	store, err := NewFragmentStore(dir)
	require.NoError(t, err)
	return store, dir
}

func TestAssemble_Order(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAssembler(store)

	now := time.Date(2026, 8, 24, 13, 30, 0, 0, time.UTC)
	out := a.Assemble(Input{
		SkillInstruction: "Summarize the page.",
		PageURL:          "https://finance.yahoo.com/quote/NVDA",
		Now:              now,
	})

	baseIdx := strings.Index(out, "BASE PROMPT")
	siteIdx := strings.Index(out, "YAHOO FINANCE SPECIFIC")
	timeIdx := strings.Index(out, "Current date and time:")
	instIdx := strings.Index(out, "Summarize the page.")

	require.GreaterOrEqual(t, baseIdx, 0)
	assert.Less(t, baseIdx, siteIdx)
	assert.Less(t, siteIdx, timeIdx)
	assert.Less(t, timeIdx, instIdx)
	assert.Contains(t, out, "24 August 2026")
}

func TestAssemble_LongestSuffixWins(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAssembler(store)

	out := a.Assemble(Input{PageURL: "https://finance.yahoo.com/x"})
	assert.Contains(t, out, "YAHOO FINANCE SPECIFIC")
	assert.NotContains(t, out, "YAHOO GENERIC")

	out = a.Assemble(Input{PageURL: "https://news.yahoo.com/x"})
	assert.Contains(t, out, "YAHOO GENERIC")
	assert.NotContains(t, out, "YAHOO FINANCE SPECIFIC")

	out = a.Assemble(Input{PageURL: "https://notyahoo.com/x"})
	assert.NotContains(t, out, "YAHOO")
}

func TestAssemble_OverrideReplacesInstruction(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAssembler(store)

	out := a.Assemble(Input{
		SkillInstruction: "SKILL INSTRUCTION",
		Override:         "OVERRIDE INSTRUCTION",
	})

	assert.Contains(t, out, "OVERRIDE INSTRUCTION")
	assert.NotContains(t, out, "SKILL INSTRUCTION")
}

func TestAssemble_FallbackBase(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFragmentStore(dir)
	require.NoError(t, err)

	out := NewAssembler(store).Assemble(Input{})
	assert.Contains(t, out, "financial research assistant")
}

func TestFragmentStore_WatchReloads(t *testing.T) {
	store, dir := newTestStore(t)
	require.NoError(t, store.Watch())
	defer store.Close()

	assert.Equal(t, "BASE PROMPT", store.Get("base", ""))

	writeFragment(t, dir, "base.md", "UPDATED BASE")

	require.Eventually(t, func() bool {
		return store.Get("base", "") == "UPDATED BASE"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestAssemble_PreferredSources(t *testing.T) {
	store, _ := newTestStore(t)
	a := NewAssembler(store)

	out := a.Assemble(Input{
		SkillInstruction: "Answer the question.",
		PreferredSources: []string{"sec.gov", "https://investor.apple.com"},
	})

	assert.Contains(t, out, "prefer these sources: sec.gov, https://investor.apple.com")

	plain := a.Assemble(Input{SkillInstruction: "Answer the question."})
	assert.NotContains(t, plain, "prefer these sources")
}
