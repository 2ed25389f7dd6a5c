package approaches

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed knowledge.yaml
var knowledgeYAML []byte

// KnowledgeEntry is one topic the offline approaches know about.
type KnowledgeEntry struct {
	Kind       string   `yaml:"kind"`
	Title      string   `yaml:"title"`
	Keywords   []string `yaml:"keywords"`
	Components []string `yaml:"components"`
	Features   []string `yaml:"features"`
	Skeleton   string   `yaml:"skeleton"`
	Code       string   `yaml:"code"`
}

// KnowledgeBase is an ordered list of entries; the first keyword match wins.
type KnowledgeBase struct {
	Entries []KnowledgeEntry `yaml:"entries"`
}

// ParseKnowledge parses a knowledge base document.
func ParseKnowledge(data []byte) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := yaml.Unmarshal(data, &kb); err != nil {
		return nil, fmt.Errorf("failed to parse knowledge base: %w", err)
	}
	for i, e := range kb.Entries {
		if e.Kind == "" {
			return nil, fmt.Errorf("knowledge entry %d has no kind", i)
		}
		if len(e.Keywords) == 0 {
			return nil, fmt.Errorf("knowledge entry %s has no keywords", e.Kind)
		}
		for j, k := range e.Keywords {
			kb.Entries[i].Keywords[j] = strings.ToLower(k)
		}
	}
	return &kb, nil
}

var (
	builtinOnce sync.Once
	builtinKB   *KnowledgeBase
)

// BuiltinKnowledge returns the embedded knowledge base.
func BuiltinKnowledge() *KnowledgeBase {
	builtinOnce.Do(func() {
		kb, err := ParseKnowledge(knowledgeYAML)
		if err != nil {
			panic(err)
		}
		builtinKB = kb
	})
	return builtinKB
}

// Match returns the first entry with a keyword contained in any of texts.
func (kb *KnowledgeBase) Match(texts ...string) (*KnowledgeEntry, bool) {
	if kb == nil {
		return nil, false
	}
	haystack := strings.ToLower(strings.Join(texts, "\n"))
	for i := range kb.Entries {
		for _, k := range kb.Entries[i].Keywords {
			if strings.Contains(haystack, k) {
				return &kb.Entries[i], true
			}
		}
	}
	return nil, false
}

// analysisDoc is the JSON shape the analysis stage reads.
type analysisDoc struct {
	TaskType   string   `json:"task_type"`
	Summary    string   `json:"summary"`
	Components []string `json:"components"`
	Features   []string `json:"features"`
}

func analysisJSON(doc analysisDoc) string {
	data, err := json.Marshal(doc)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// isAnalysis reports whether req asks for a requirement analysis rather than code.
func isAnalysis(label string) bool {
	return strings.Contains(strings.ToLower(label), "analysis")
}
