package translator

import (
	"strings"

	"github.com/fentz26/conductor/internal/models"
)

// genericWords carry no identity when comparing agent names.
var genericWords = map[string]bool{
	"agent":      true,
	"agents":     true,
	"specialist": true,
	"engineer":   true,
	"the":        true,
}

// Matcher resolves free-form agent hints from log lines to roster agents.
type Matcher struct {
	agents []candidate
}

type candidate struct {
	id     string
	name   string
	role   string
	tokens map[string]bool
}

// NewMatcher builds a matcher over a session's roster.
func NewMatcher(agents []models.Agent) *Matcher {
	m := &Matcher{}
	for _, a := range agents {
		c := candidate{
			id:     a.ID,
			name:   normalize(a.Name),
			role:   normalize(a.Role),
			tokens: map[string]bool{},
		}
		for _, w := range strings.Fields(c.name + " " + c.role) {
			if !genericWords[w] {
				c.tokens[w] = true
			}
		}
		m.agents = append(m.agents, c)
	}
	return m
}

// Resolve returns the ID of the agent hint refers to, or "" when nothing
// matches. Exact ID, name or role wins; then substring containment either
// way; then the most shared distinctive words.
func (m *Matcher) Resolve(hint string) string {
	if m == nil || strings.TrimSpace(hint) == "" {
		return ""
	}
	for _, c := range m.agents {
		if c.id == hint {
			return c.id
		}
	}
	h := normalize(hint)
	if h == "" {
		return ""
	}
	for _, c := range m.agents {
		if h == c.name || h == c.role {
			return c.id
		}
	}

	best, bestLen := "", 0
	for _, c := range m.agents {
		for _, field := range []string{c.name, c.role} {
			if field == "" {
				continue
			}
			if strings.Contains(h, field) || (len(h) >= 3 && strings.Contains(field, h)) {
				if len(field) > bestLen {
					best, bestLen = c.id, len(field)
				}
			}
		}
	}
	if best != "" {
		return best
	}

	bestScore := 0
	for _, c := range m.agents {
		score := 0
		for _, w := range strings.Fields(h) {
			if c.tokens[w] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = c.id, score
		}
	}
	return best
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', '.', '/', ':':
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
