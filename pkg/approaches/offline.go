package approaches

import (
	"context"
	"fmt"
	"strings"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// UltraFast answers instantly with a canned skeleton for the detected kind.
type UltraFast struct {
	base
	kb *KnowledgeBase
}

// NewUltraFast creates the ultra_fast approach.
func NewUltraFast(kb *KnowledgeBase) *UltraFast {
	if kb == nil {
		kb = BuiltinKnowledge()
	}
	return &UltraFast{base: base{name: NameUltraFast, priority: 10}, kb: kb}
}

// Execute implements engine.Approach.
func (a *UltraFast) Execute(ctx context.Context, req engine.Request, _ *engine.PoolToken) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	entry, ok := a.kb.Match(req.TaskLabel, req.Prompt)

	if isAnalysis(req.TaskLabel) {
		if ok {
			return analysisJSON(analysisDoc{TaskType: entry.Kind, Summary: entry.Title, Components: entry.Components, Features: entry.Features}), nil
		}
		return analysisJSON(analysisDoc{
			TaskType:   "general",
			Summary:    label(req.TaskLabel, req.Prompt),
			Components: []string{"core"},
			Features:   []string{"basic functionality"},
		}), nil
	}

	if ok && entry.Skeleton != "" {
		return entry.Skeleton, nil
	}
	return fmt.Sprintf(`def main():
    print(%s)


if __name__ == "__main__":
    main()
`, pyString(label(req.TaskLabel, req.Prompt))), nil
}

// StaticKnowledge serves full implementations from the knowledge base. A
// request matching no entry fails with NO_KNOWLEDGE.
type StaticKnowledge struct {
	base
	kb *KnowledgeBase
}

// NewStaticKnowledge creates the static_knowledge approach.
func NewStaticKnowledge(kb *KnowledgeBase) *StaticKnowledge {
	if kb == nil {
		kb = BuiltinKnowledge()
	}
	return &StaticKnowledge{base: base{name: NameStaticKnowledge, priority: 8}, kb: kb}
}

// Execute implements engine.Approach.
func (a *StaticKnowledge) Execute(ctx context.Context, req engine.Request, _ *engine.PoolToken) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	entry, ok := a.kb.Match(req.TaskLabel, req.Prompt)
	if !ok {
		return "", engine.NewNoKnowledge(fmt.Sprintf("no knowledge for %q", label(req.TaskLabel, req.Prompt)))
	}
	if isAnalysis(req.TaskLabel) {
		return analysisJSON(analysisDoc{TaskType: entry.Kind, Summary: entry.Title, Components: entry.Components, Features: entry.Features}), nil
	}
	if entry.Code == "" {
		return "", engine.NewNoKnowledge(fmt.Sprintf("knowledge entry %s has no implementation", entry.Kind))
	}
	return entry.Code, nil
}

// Template fills a fixed program structure with the request label.
type Template struct {
	base
}

// NewTemplate creates the template approach.
func NewTemplate() *Template {
	return &Template{base: base{name: NameTemplate, priority: 5}}
}

// Execute implements engine.Approach.
func (a *Template) Execute(ctx context.Context, req engine.Request, _ *engine.PoolToken) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l := label(req.TaskLabel, req.Prompt)
	if isAnalysis(req.TaskLabel) {
		return analysisJSON(analysisDoc{
			TaskType:   "template",
			Summary:    l,
			Components: []string{"input", "processing", "output"},
			Features:   []string{"configuration", "error handling", "tests"},
		}), nil
	}
	return fmt.Sprintf(`TASK = %s


def setup():
    return {"task": TASK, "done": False}


def run(state):
    print("running " + state["task"])
    state["done"] = True
    return state


def main():
    state = run(setup())
    if not state["done"]:
        raise SystemExit(1)


if __name__ == "__main__":
    main()
`, pyString(l)), nil
}

// Heuristic derives an implementation plan from keywords in the prompt.
type Heuristic struct {
	base
}

// NewHeuristic creates the heuristic approach.
func NewHeuristic() *Heuristic {
	return &Heuristic{base: base{name: NameHeuristic, priority: 3}}
}

var (
	componentHints = []struct {
		words     []string
		component string
	}{
		{[]string{"gui", " ui", "window", "display", "screen"}, "user interface"},
		{[]string{"save", "store", "database", "file", "persist"}, "persistence"},
		{[]string{"api", "http", "web", "network", "server"}, "network layer"},
		{[]string{"test"}, "test suite"},
	}
	featureHints = []struct {
		words   []string
		feature string
	}{
		{[]string{"error"}, "error handling"},
		{[]string{"doc"}, "documentation"},
		{[]string{"optimi", "performance", "fast"}, "performance tuning"},
		{[]string{"secur", "auth"}, "access control"},
	}
)

// Plan returns the components and features suggested by text.
func (a *Heuristic) Plan(text string) (components, features []string) {
	lower := " " + strings.ToLower(text)
	components = []string{"core logic"}
	for _, h := range componentHints {
		if containsAny(lower, h.words) {
			components = append(components, h.component)
		}
	}
	for _, h := range featureHints {
		if containsAny(lower, h.words) {
			features = append(features, h.feature)
		}
	}
	if len(features) == 0 {
		features = []string{"incremental delivery"}
	}
	return components, features
}

// Execute implements engine.Approach.
func (a *Heuristic) Execute(ctx context.Context, req engine.Request, _ *engine.PoolToken) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l := label(req.TaskLabel, req.Prompt)
	components, features := a.Plan(req.Prompt)

	if isAnalysis(req.TaskLabel) {
		return analysisJSON(analysisDoc{TaskType: "heuristic", Summary: l, Components: components, Features: features}), nil
	}

	steps := []string{"analyse requirements", "design architecture"}
	for _, c := range components {
		steps = append(steps, "implement "+c)
	}
	for _, f := range features {
		steps = append(steps, "add "+f)
	}
	steps = append(steps, "test and debug")

	var b strings.Builder
	b.WriteString("TASK = " + pyString(l) + "\n")
	b.WriteString("STEPS = [\n")
	for _, s := range steps {
		b.WriteString("    " + pyString(s) + ",\n")
	}
	b.WriteString("]\n\n\n")
	b.WriteString("def main():\n")
	b.WriteString("    print(TASK)\n")
	b.WriteString("    for number, step in enumerate(STEPS, 1):\n")
	b.WriteString("        print(\"%d. %s\" % (number, step))\n\n\n")
	b.WriteString("if __name__ == \"__main__\":\n")
	b.WriteString("    main()\n")
	return b.String(), nil
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

var (
	_ engine.Approach = (*UltraFast)(nil)
	_ engine.Approach = (*StaticKnowledge)(nil)
	_ engine.Approach = (*Template)(nil)
	_ engine.Approach = (*Heuristic)(nil)
)
