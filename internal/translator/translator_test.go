package translator

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/fentz26/conductor/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []Effect
	}{
		{
			name: "dashed structured line with action",
			line: "2024-05-01 10:00:00,123 - agents.backend - INFO - Started task: T1",
			want: []Effect{
				LogEffect{Level: models.LevelInfo, Component: "agents.backend", Message: "Started task: T1"},
				TaskStarted{TaskID: "T1", Agent: "agents.backend"},
			},
		},
		{
			name: "colon structured line without action",
			line: "WARNING:autogen:rate limited, retrying",
			want: []Effect{
				LogEffect{Level: models.LevelWarn, Component: "autogen", Message: "rate limited, retrying"},
			},
		},
		{
			name: "critical maps to error",
			line: "2024-05-01 10:00:00,123 - root - CRITICAL - boom",
			want: []Effect{LogEffect{Level: models.LevelError, Component: "root", Message: "boom"}},
		},
		{
			name: "created task with name",
			line: "Created task: T7 - Build login form",
			want: []Effect{TaskCreated{TaskID: "T7", Name: "Build login form"}},
		},
		{
			name: "completed task",
			line: "completed task: T7",
			want: []Effect{TaskCompleted{TaskID: "T7"}},
		},
		{
			name: "failed task with reason",
			line: "Failed task: T7 - compiler exploded",
			want: []Effect{TaskFailed{TaskID: "T7", Reason: "compiler exploded"}},
		},
		{
			name: "file written",
			line: "File written: src/app/main.py",
			want: []Effect{FileWritten{Path: "src/app/main.py"}},
		},
		{
			name: "created file",
			line: "Created file: 'README.md'",
			want: []Effect{FileWritten{Path: "README.md"}},
		},
		{
			name: "bracketed progress",
			line: "[backend_specialist] Progress: 45% wiring routes",
			want: []Effect{Progress{Agent: "backend_specialist", Percent: 45, Message: "wiring routes"}},
		},
		{
			name: "progress clamps",
			line: "progress: 250%",
			want: []Effect{Progress{Percent: 100}},
		},
		{
			name: "package completed by agent",
			line: "Package WP001 completed successfully by backend_specialist",
			want: []Effect{PackageCompleted{PackageID: "WP001", Agent: "backend_specialist"}},
		},
		{
			name: "work package completed",
			line: "Work package WP002 completed",
			want: []Effect{PackageCompleted{PackageID: "WP002"}},
		},
		{
			name: "package failed",
			line: "Failed to execute package WP003: timeout talking to model",
			want: []Effect{PackageFailed{PackageID: "WP003", Reason: "timeout talking to model"}},
		},
		{
			name: "plan ready",
			line: "Problem analysis completed: 4 work packages created",
			want: []Effect{PlanReady{Count: 4}},
		},
		{
			name: "unrecognized",
			line: "just some chatter\r",
			want: []Effect{LogEffect{Level: models.LevelDebug, Message: "just some chatter"}},
		},
		{
			name: "empty",
			line: "",
			want: []Effect{LogEffect{Level: models.LevelDebug, Message: ""}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.line))
		})
	}
}

func TestParseStructuredPackageUsesMessageAgent(t *testing.T) {
	effects := Parse("INFO:coordinator:Package WP004 completed successfully by qa_specialist")
	require.Len(t, effects, 2)
	assert.Equal(t, PackageCompleted{PackageID: "WP004", Agent: "qa_specialist"}, effects[1])
}

func TestLineBuffer(t *testing.T) {
	var lines []string
	b := NewLineBuffer(func(l string) { lines = append(lines, l) })

	for _, chunk := range []string{"Started ta", "sk: T1\nFile wri", "tten: a.go\r\n", "tail"} {
		n, err := b.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	assert.Equal(t, []string{"Started task: T1", "File written: a.go"}, lines)

	b.Flush()
	assert.Equal(t, []string{"Started task: T1", "File written: a.go", "tail"}, lines)

	b.Flush()
	assert.Len(t, lines, 3, "flush of an empty buffer emits nothing")
}

func TestLineBufferSplitsOversizedLines(t *testing.T) {
	var lines []string
	b := NewLineBuffer(func(l string) { lines = append(lines, l) })
	big := make([]byte, MaxLineBytes+10)
	for i := range big {
		big[i] = 'x'
	}
	_, err := b.Write(big)
	require.NoError(t, err)
	b.Flush()
	require.Len(t, lines, 2)
	assert.Len(t, lines[0], MaxLineBytes)
	assert.Len(t, lines[1], 10)
}

func TestLineBufferKeepsRunesWhole(t *testing.T) {
	var lines []string
	b := NewLineBuffer(func(l string) { lines = append(lines, l) })
	// "é" is two bytes and straddles the MaxLineBytes boundary.
	line := strings.Repeat("x", MaxLineBytes-1) + "é" + "tail"
	_, err := b.Write([]byte(line))
	require.NoError(t, err)
	b.Flush()

	require.Len(t, lines, 2)
	assert.Len(t, lines[0], MaxLineBytes-1)
	assert.Equal(t, "étail", lines[1])
	for _, l := range lines {
		assert.True(t, utf8.ValidString(l))
	}
	assert.Equal(t, line, lines[0]+lines[1])
}

func TestMatcherResolve(t *testing.T) {
	roster := []models.Agent{
		{ID: "a-lead", Name: "Principle Software Engineer", Role: "lead"},
		{ID: "a-back", Name: "Backend Specialist", Role: "backend_specialist"},
		{ID: "a-full", Name: "Fullstack Specialist", Role: "fullstack_specialist"},
		{ID: "a-qa", Name: "QA Specialist", Role: "qa_specialist"},
		{ID: "a-req", Name: "Requirements Analyst", Role: "requirements_analyst"},
	}
	m := NewMatcher(roster)

	tests := map[string]string{
		"a-back":               "a-back",
		"Backend Specialist":   "a-back",
		"backend_specialist":   "a-back",
		"agents.qa_specialist": "a-qa",
		"backend_engineer":     "a-back",
		"requirements":         "a-req",
		"lead":                 "a-lead",
		"fullstack":            "a-full",
		"":                     "",
		"root":                 "",
		"__main__":             "",
	}
	for hint, want := range tests {
		assert.Equal(t, want, m.Resolve(hint), "hint %q", hint)
	}

	var nilMatcher *Matcher
	assert.Equal(t, "", nilMatcher.Resolve("backend"))
}
