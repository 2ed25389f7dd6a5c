package validate

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Language identifies how a payload is checked.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageGo         Language = "go"
	LanguageJavaScript Language = "javascript"
	LanguageStarlark   Language = "starlark"
	LanguageJSON       Language = "json"
	LanguageYAML       Language = "yaml"
	LanguageCUE        Language = "cue"
	LanguageText       Language = "text"
)

var extensions = map[string]Language{
	".py":   LanguagePython,
	".go":   LanguageGo,
	".js":   LanguageJavaScript,
	".mjs":  LanguageJavaScript,
	".star": LanguageStarlark,
	".bzl":  LanguageStarlark,
	".json": LanguageJSON,
	".yaml": LanguageYAML,
	".yml":  LanguageYAML,
	".cue":  LanguageCUE,
	".txt":  LanguageText,
}

var (
	goPackageRe = regexp.MustCompile(`(?m)^package\s+\w+\s*$`)
	pythonDefRe = regexp.MustCompile(`(?m)^\s*(def|class)\s+\w+.*:\s*$|^\s*(import|from)\s+[\w.]+`)
	jsRe        = regexp.MustCompile(`(?m)\b(function\s+\w*\s*\(|const\s+\w+\s*=|let\s+\w+\s*=|=>)`)
)

// Detect picks a language from the destination extension, falling back to
// sniffing the payload when there is no destination or the extension is unknown.
func Detect(destination, payload string) Language {
	if destination != "" {
		if lang, ok := extensions[strings.ToLower(filepath.Ext(destination))]; ok {
			return lang
		}
	}
	return sniff(payload)
}

func sniff(payload string) Language {
	trimmed := strings.TrimSpace(payload)
	switch {
	case trimmed == "":
		return LanguageText
	case goPackageRe.MatchString(trimmed):
		return LanguageGo
	case pythonDefRe.MatchString(trimmed):
		return LanguagePython
	case jsRe.MatchString(trimmed):
		return LanguageJavaScript
	case (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")):
		return LanguageJSON
	}
	return LanguageText
}
