package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for the command bar
type Suggestions struct {
	items       []SuggestionItem
	filtered    []SuggestionItem
	selectedIdx int
	visible     bool
	prefix      string // "/" or "@"
	packages    []string
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command" or "package"
}

var commandSuggestions = []SuggestionItem{
	{Text: "stop", Description: "Stop the worker and cancel the session", Type: "command"},
	{Text: "pause", Description: "Suspend the worker", Type: "command"},
	{Text: "resume", Description: "Continue a paused worker", Type: "command"},
	{Text: "retry", Description: "Retry a failed work package", Type: "command"},
	{Text: "follow", Description: "Toggle auto-scroll of the event log", Type: "command"},
	{Text: "quit", Description: "Leave the monitor", Type: "command"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{items: commandSuggestions}
}

// SetPackages updates the work package ids offered after "@".
func (s *Suggestions) SetPackages(ids []string) {
	s.packages = ids
}

// Update updates suggestions based on current input
func (s *Suggestions) Update(input string) {
	switch {
	case strings.HasPrefix(input, "/"):
		s.prefix = "/"
		s.items = commandSuggestions
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "/")))
	case strings.HasPrefix(input, "@"):
		s.prefix = "@"
		s.items = make([]SuggestionItem, len(s.packages))
		for i, id := range s.packages {
			s.items[i] = SuggestionItem{Text: id, Description: "Work package", Type: "package"}
		}
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "@")))
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	}
}

// Complete returns the input line for the selected suggestion.
func (s *Suggestions) Complete() string {
	selected := s.Selected()
	if selected == nil {
		return ""
	}
	if selected.Type == "package" {
		return "retry " + selected.Text
	}
	return selected.Text + " "
}

func (s *Suggestions) filter(query string) {
	if query == "" {
		s.filtered = s.items
		s.selectedIdx = 0
		return
	}

	s.filtered = []SuggestionItem{}
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
	s.selectedIdx = 0
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder
	box := suggestionBoxStyle.Width(max(width-4, 10))

	header := "Commands"
	if s.prefix == "@" {
		header = "Work packages"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	// Show max 5 suggestions
	maxVisible := 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(helpStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}
		var line string
		if i == s.selectedIdx {
			line = selectedStyle.Render("▶ " + item.Text + " " + item.Description)
		} else {
			line = "  " + item.Text + " " + helpStyle.Render(item.Description)
		}
		b.WriteString(line + "\n")
	}
	return box.Render(b.String())
}
