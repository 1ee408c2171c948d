package artifacts

import (
	"path"
	"strings"
)

var languageByExt = map[string]string{
	".go":    "go",
	".py":    "python",
	".ipynb": "json",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".swift": "swift",
	".rb":    "ruby",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".html":  "html",
	".htm":   "html",
	".css":   "css",
	".scss":  "scss",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".xml":   "xml",
	".md":    "markdown",
	".sql":   "sql",
	".sh":    "shell",
	".bash":  "shell",
	".txt":   "text",
	".ini":   "ini",
	".cfg":   "ini",
	".env":   "dotenv",
}

var languageByName = map[string]string{
	"dockerfile":       "dockerfile",
	"makefile":         "makefile",
	"requirements.txt": "pip-requirements",
	"go.mod":           "go-module",
}

// Language guesses a file's language from its name.
func Language(p string) string {
	base := strings.ToLower(path.Base(p))
	if lang, ok := languageByName[base]; ok {
		return lang
	}
	if lang, ok := languageByExt[path.Ext(base)]; ok {
		return lang
	}
	return "text"
}
