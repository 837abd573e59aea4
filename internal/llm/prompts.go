package llm

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/memento-project/memento/internal/models"
)

//go:embed default_process.txt
var defaultProcessPrompt string

var charPattern = regexp.MustCompile(`\{\{char\}\}`)

// PromptStore resolves prompt templates by name. A template named "process"
// is read from <dir>/process.txt when present, so operators can override the
// built-in wording without rebuilding. Reads are cached for the lifetime of
// the process.
type PromptStore struct {
	mu    sync.Mutex
	dir   string
	cache map[string]string
}

// NewPromptStore creates a store reading overrides from dir
// (normally ./prompts).
func NewPromptStore(dir string) *PromptStore {
	return &PromptStore{dir: dir, cache: map[string]string{}}
}

// Get returns the template for name, preferring the on-disk override.
func (p *PromptStore) Get(name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.cache[name]; ok {
		return cached, nil
	}

	data, err := os.ReadFile(filepath.Join(p.dir, name+".txt"))
	if err == nil {
		p.cache[name] = string(data)
		return p.cache[name], nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading prompt %q: %w", name, err)
	}
	if name == "process" {
		p.cache[name] = defaultProcessPrompt
		return p.cache[name], nil
	}
	return "", fmt.Errorf("prompt %q not found in %s", name, p.dir)
}

// renderProcessPrompt substitutes the persona name into the template and
// appends the formatted transcript.
func renderProcessPrompt(template, aiName string, messages []Message) string {
	var transcript strings.Builder
	for _, msg := range messages {
		var name string
		switch msg.Role {
		case "assistant":
			name = aiName
		case "user":
			name = "User"
			if msg.Name != nil {
				name = *msg.Name
			}
		case "system":
			name = "SYSTEM"
		default:
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", name, msg.Content)
	}

	prompt := charPattern.ReplaceAllString(template, aiName)
	if !strings.HasSuffix(prompt, "\n") {
		prompt += "\n"
	}
	return prompt + strings.TrimSpace(transcript.String())
}

// buildDistillPrompt asks the model to rewrite an evicted short-term batch
// into concise long-term memories, carrying the source ids so scores can be
// derived from the contributing entries.
func buildDistillPrompt(aiName string, batch []models.Memory) string {
	header := fmt.Sprintf(
		"[SYSTEM] You are compressing short-term memories into long-term memories for %s. "+
			"Write in %s's first person. Output concise, self-contained memories that keep "+
			"the important details and drop trivial/duplicate lines. Do not invent facts.\n\n"+
			`Return JSON with field "memories": { "text": string, "source_ids": string[] }[]. `+
			"Group related lines together into one memory where appropriate. "+
			"For each output memory, populate source_ids with the IDs of the short-term memories you actually used.",
		aiName, aiName)

	var bullets []string
	for _, m := range batch {
		var meta []string
		if m.Score != nil {
			meta = append(meta, fmt.Sprintf("score=%.2f", *m.Score))
		}
		if m.User != nil {
			meta = append(meta, fmt.Sprintf("user=%s", *m.User))
		}
		metaStr := ""
		if len(meta) > 0 {
			metaStr = "[" + strings.Join(meta, ", ") + "] "
		}
		bullets = append(bullets, fmt.Sprintf("- (id=%s) %s%s", m.ID, metaStr, m.Content))
	}
	body := "- (none)"
	if len(bullets) > 0 {
		body = strings.Join(bullets, "\n")
	}
	return header + "\n\n[INPUT]\n" + body
}

// buildMergePrompt produces the system and user messages for deciding
// whether a candidate should absorb existing long-term neighbors.
func buildMergePrompt(aiName, newText string, existing []models.Memory, preferNew bool) (system, user string) {
	pref := "Prefer whichever is more factual/consistent"
	if preferNew {
		pref = "Prefer the NEW memory"
	}
	system = fmt.Sprintf(
		"[SYSTEM] Deduplicate and reconcile long-term memories.\n"+
			"Persona: %s.\n"+
			"Rules:\n"+
			"1) %s.\n"+
			"2) If an existing memory is essentially the same event/meaning, merge its missing useful details into the new memory, "+
			"and mark that existing memory for deletion.\n"+
			"3) If an existing memory contradicts the new one, mark it for deletion and do NOT adopt its facts.\n"+
			"4) Keep the final memory concise and self-contained in first person.\n"+
			`Return JSON with fields: new_text (string), delete_ids (string[]).`,
		aiName, pref)

	lines := make([]string, 0, len(existing))
	for _, m := range existing {
		lines = append(lines, fmt.Sprintf("- (%s) %s", m.ID, m.Content))
	}
	lst := "- (none)"
	if len(lines) > 0 {
		lst = strings.Join(lines, "\n")
	}
	user = fmt.Sprintf("NEW MEMORY:\n%s\n\nEXISTING CANDIDATES:\n%s", newText, lst)
	return system, user
}
