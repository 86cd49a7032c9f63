package bridge

import (
	"path"
	"strings"
)

// languageByExtension maps file extensions to display labels for file
// events. Unknown extensions map to "".
var languageByExtension = map[string]string{
	".html":   "HTML",
	".htm":    "HTML",
	".css":    "CSS",
	".js":     "JavaScript",
	".jsx":    "JavaScript",
	".mjs":    "JavaScript",
	".ts":     "TypeScript",
	".tsx":    "TypeScript",
	".json":   "JSON",
	".md":     "Markdown",
	".py":     "Python",
	".go":     "Go",
	".rs":     "Rust",
	".java":   "Java",
	".rb":     "Ruby",
	".php":    "PHP",
	".sh":     "Shell",
	".sql":    "SQL",
	".yml":    "YAML",
	".yaml":   "YAML",
	".toml":   "TOML",
	".svg":    "SVG",
	".txt":    "Text",
	".vue":    "Vue",
	".svelte": "Svelte",
}

func inferLanguage(filePath string) string {
	return languageByExtension[strings.ToLower(path.Ext(filePath))]
}
