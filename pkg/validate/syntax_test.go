package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		destination string
		payload     string
		want        Language
	}{
		{destination: "out/main.go", want: LanguageGo},
		{destination: "SCRIPT.PY", want: LanguagePython},
		{destination: "rules.bzl", want: LanguageStarlark},
		{destination: "conf.yml", want: LanguageYAML},
		{destination: "schema.cue", want: LanguageCUE},
		{payload: "package main\n\nfunc main() {}\n", want: LanguageGo},
		{payload: "def f():\n    pass\n", want: LanguagePython},
		{payload: "import os\nprint(os.getcwd())", want: LanguagePython},
		{payload: "const a = 1;", want: LanguageJavaScript},
		{payload: `{"a": 1}`, want: LanguageJSON},
		{payload: "hello world", want: LanguageText},
		{payload: "   ", want: LanguageText},
		{destination: "notes.md", payload: "def f():\n    pass\n", want: LanguagePython},
	}

	for _, tt := range tests {
		t.Run(tt.destination+"|"+tt.payload, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.destination, tt.payload))
		})
	}
}

func TestCheckSyntax(t *testing.T) {
	tests := []struct {
		name     string
		lang     Language
		src      string
		wantErr  bool
		wantLine int
	}{
		{name: "go file", lang: LanguageGo, src: "package main\n\nfunc main() {}\n"},
		{name: "go snippet", lang: LanguageGo, src: "func add(a, b int) int { return a + b }\n"},
		{name: "go broken", lang: LanguageGo, src: "package main\n\nfunc main() {\n", wantErr: true},
		{name: "js valid", lang: LanguageJavaScript, src: "const x = 1; console.log(x);"},
		{name: "js broken", lang: LanguageJavaScript, src: "function (", wantErr: true},
		{name: "starlark valid", lang: LanguageStarlark, src: "def f(x):\n    return x + 1\n"},
		{name: "starlark broken", lang: LanguageStarlark, src: "def f(:\n", wantErr: true, wantLine: 1},
		{name: "json valid", lang: LanguageJSON, src: `{"a": [1, 2]}`},
		{name: "json broken", lang: LanguageJSON, src: `{"a": }`, wantErr: true},
		{name: "yaml valid", lang: LanguageYAML, src: "a: 1\nb: [1, 2]\n"},
		{name: "yaml broken", lang: LanguageYAML, src: "a: [1, 2\n", wantErr: true},
		{name: "cue valid", lang: LanguageCUE, src: "a: 1\nb: a + 1\n"},
		{name: "cue broken", lang: LanguageCUE, src: "a: {", wantErr: true},
		{name: "text balanced", lang: LanguageText, src: "see (the notes) [here]"},
		{name: "text unbalanced", lang: LanguageText, src: "see (the notes"},
		{name: "text numbered steps", lang: LanguageText, src: "Steps:\n1) install\n2) run"},
		{name: "unknown language", lang: Language("markdown"), src: "- item ]"},

		{name: "python function", lang: LanguagePython, src: "def add(a, b):\n    return a + b\n"},
		{name: "python unclosed paren", lang: LanguagePython, src: "x = 1\nprint('hello'\n", wantErr: true, wantLine: 2},
		{name: "python mismatched", lang: LanguagePython, src: "x = [1, 2)\n", wantErr: true, wantLine: 1},
		{name: "python unterminated string", lang: LanguagePython, src: "x = 'abc\ny = 2\n", wantErr: true, wantLine: 1},
		{name: "python docstring", lang: LanguagePython, src: "def f():\n    \"\"\"Doc with ) and '\n    more.\"\"\"\n    return 1\n"},
		{name: "python unterminated docstring", lang: LanguagePython, src: "def f():\n    \"\"\"never ends\n", wantErr: true, wantLine: 2},
		{name: "python missing block", lang: LanguagePython, src: "if x:\nprint(x)\n", wantErr: true, wantLine: 2},
		{name: "python block at eof", lang: LanguagePython, src: "def f():", wantErr: true, wantLine: 1},
		{name: "python unexpected indent", lang: LanguagePython, src: "x = 1\n    y = 2\n", wantErr: true, wantLine: 2},
		{name: "python bad dedent", lang: LanguagePython, src: "if x:\n        a = 1\n    b = 2\n", wantErr: true, wantLine: 3},
		{name: "python comment apostrophe", lang: LanguagePython, src: "# don't worry\nx = (1 +\n     2)\n"},
		{name: "python continuation", lang: LanguagePython, src: "total = 1 + \\\n    2\n"},
		{name: "python nested blocks", lang: LanguagePython, src: "class A:\n    def f(self):\n        if self:\n            return 1\n        return 2\n\nprint(A().f())\n"},
		{name: "python inline block", lang: LanguagePython, src: "if x: y = 1  # note: fine\nz = 2\n"},
		{name: "python multi-line def", lang: LanguagePython, src: "def add(a,\n        b):\n    return a + b\n"},
		{name: "python multi-line class", lang: LanguagePython, src: "class X(A,\n        B):\n    pass\n"},
		{name: "python multi-line def with comment", lang: LanguagePython, src: "def f(a,  # first\n      b):  # done\n    return a\n"},
		{name: "python multi-line call then indent", lang: LanguagePython, src: "x = max(1,\n        2)\n    y = 3\n", wantErr: true, wantLine: 3},
		{name: "python multi-line def missing body", lang: LanguagePython, src: "def f(a,\n      b):\nreturn a\n", wantErr: true, wantLine: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSyntax(tt.lang, tt.src)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			serr, ok := err.(*SyntaxError)
			require.True(t, ok, "expected *SyntaxError, got %T", err)
			assert.Equal(t, tt.lang, serr.Language)
			if tt.wantLine > 0 {
				assert.Equal(t, tt.wantLine, serr.Line, serr.Error())
			}
		})
	}
}

func TestIndentWidth(t *testing.T) {
	assert.Equal(t, 0, indentWidth("x"))
	assert.Equal(t, 4, indentWidth("    x"))
	assert.Equal(t, 8, indentWidth("\tx"))
	assert.Equal(t, 8, indentWidth("  \tx"))
	assert.Equal(t, 10, indentWidth("\t  x"))
}
