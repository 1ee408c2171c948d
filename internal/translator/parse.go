package translator

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/fentz26/conductor/internal/models"
)

var (
	// 2024-01-02 10:11:12,345 - agents.backend - INFO - message
	dashedLine = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[ T][0-9:.,]+)\s+-\s+(.+?)\s+-\s+(?i:(DEBUG|INFO|WARNING|WARN|ERROR|CRITICAL))\s+-\s?(.*)$`)
	// INFO:agents.backend:message
	colonLine = regexp.MustCompile(`^(?i:(DEBUG|INFO|WARNING|WARN|ERROR|CRITICAL)):([^:]*):(.*)$`)

	packageFailedRe    = regexp.MustCompile(`(?i)failed to execute (?:work )?package\s+([^\s:]+)\s*:\s*(.*)$`)
	packageCompletedRe = regexp.MustCompile(`(?i)\b(?:work\s+)?package\s+([^\s:]+)\s+completed(?:\s+successfully)?(?:\s+by\s+(.+?))?\s*\.?\s*$`)
	planReadyRe        = regexp.MustCompile(`(?i)problem analysis completed:\s*(\d+)\s+work packages?`)
	taskCreatedRe      = regexp.MustCompile(`(?i)created task:\s*(\S+)(?:\s+-\s+(.+?))?\s*$`)
	taskStartedRe      = regexp.MustCompile(`(?i)started task:\s*(\S+)`)
	taskCompletedRe    = regexp.MustCompile(`(?i)completed task:\s*(\S+)`)
	taskFailedRe       = regexp.MustCompile(`(?i)failed task:\s*(\S+)(?:\s+-\s+(.+?))?\s*$`)
	fileWrittenRe      = regexp.MustCompile(`(?i)(?:file written|created file):\s*(.+?)\s*$`)
	progressRe         = regexp.MustCompile(`(?i)(?:\[([^\]]+)\]\s*)?progress:\s*(\d{1,3})\s*%\s*(.*?)\s*$`)
)

// Parse translates one complete log line into effects. It has no side
// effects and never returns an empty result.
func Parse(line string) []Effect {
	line = strings.TrimRight(line, "\r\n")

	if level, component, msg, ok := splitStructured(line); ok {
		effects := []Effect{LogEffect{Level: level, Component: component, Message: msg}}
		return append(effects, matchActions(msg, component)...)
	}

	if actions := matchActions(line, ""); len(actions) > 0 {
		return actions
	}
	return []Effect{LogEffect{Level: models.LevelDebug, Message: line}}
}

func splitStructured(line string) (level, component, msg string, ok bool) {
	if m := dashedLine.FindStringSubmatch(line); m != nil {
		return normalizeLevel(m[3]), strings.TrimSpace(m[2]), m[4], true
	}
	if m := colonLine.FindStringSubmatch(line); m != nil {
		return normalizeLevel(m[1]), strings.TrimSpace(m[2]), m[3], true
	}
	return "", "", "", false
}

func normalizeLevel(level string) string {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return models.LevelDebug
	case "WARN", "WARNING":
		return models.LevelWarn
	case "ERROR", "CRITICAL":
		return models.LevelError
	}
	return models.LevelInfo
}

// matchActions finds the first action marker in msg. agent is the hint used
// when the marker itself names no agent.
func matchActions(msg, agent string) []Effect {
	if m := packageFailedRe.FindStringSubmatch(msg); m != nil {
		return []Effect{PackageFailed{PackageID: m[1], Reason: strings.TrimSpace(m[2])}}
	}
	if m := planReadyRe.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return []Effect{PlanReady{Count: n}}
	}
	if m := taskCreatedRe.FindStringSubmatch(msg); m != nil {
		return []Effect{TaskCreated{TaskID: m[1], Name: m[2], Agent: agent}}
	}
	if m := taskStartedRe.FindStringSubmatch(msg); m != nil {
		return []Effect{TaskStarted{TaskID: m[1], Agent: agent}}
	}
	if m := taskCompletedRe.FindStringSubmatch(msg); m != nil {
		return []Effect{TaskCompleted{TaskID: m[1], Agent: agent}}
	}
	if m := taskFailedRe.FindStringSubmatch(msg); m != nil {
		return []Effect{TaskFailed{TaskID: m[1], Reason: m[2], Agent: agent}}
	}
	if m := packageCompletedRe.FindStringSubmatch(msg); m != nil {
		by := agent
		if m[2] != "" {
			by = m[2]
		}
		return []Effect{PackageCompleted{PackageID: m[1], Agent: by}}
	}
	if m := fileWrittenRe.FindStringSubmatch(msg); m != nil {
		return []Effect{FileWritten{Path: strings.Trim(m[1], `"'`), Agent: agent}}
	}
	if m := progressRe.FindStringSubmatch(msg); m != nil {
		pct, _ := strconv.Atoi(m[2])
		if pct > 100 {
			pct = 100
		}
		who := agent
		if m[1] != "" {
			who = m[1]
		}
		return []Effect{Progress{Agent: who, Percent: pct, Message: m[3]}}
	}
	return nil
}
