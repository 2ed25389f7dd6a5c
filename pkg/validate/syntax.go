package validate

import (
	"errors"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/dop251/goja"
	"github.com/ohler55/ojg/oj"
	"go.starlark.net/syntax"
	"gopkg.in/yaml.v3"
)

// SyntaxError describes why a payload failed the syntax gate.
type SyntaxError struct {
	Language Language
	Line     int
	Message  string
}

func (e *SyntaxError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s syntax error on line %d: %s", e.Language, e.Line, e.Message)
	}
	return fmt.Sprintf("%s syntax error: %s", e.Language, e.Message)
}

// CheckSyntax runs the structural check for lang. Languages without a
// checker always pass.
func CheckSyntax(lang Language, src string) error {
	switch lang {
	case LanguageGo:
		return checkGo(src)
	case LanguageJavaScript:
		return checkJavaScript(src)
	case LanguageStarlark:
		return checkStarlark(src)
	case LanguageJSON:
		return checkJSON(src)
	case LanguageYAML:
		return checkYAML(src)
	case LanguageCUE:
		return checkCUE(src)
	case LanguagePython:
		return checkPython(src)
	default:
		// Prose and unknown formats have no structure to check.
		return nil
	}
}

func checkGo(src string) error {
	if !goPackageRe.MatchString(src) {
		src = "package snippet\n\n" + src
	}
	_, err := parser.ParseFile(token.NewFileSet(), "payload.go", src, parser.AllErrors)
	if err == nil {
		return nil
	}
	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		return &SyntaxError{Language: LanguageGo, Line: list[0].Pos.Line, Message: list[0].Msg}
	}
	return &SyntaxError{Language: LanguageGo, Message: err.Error()}
}

func checkJavaScript(src string) error {
	if _, err := goja.Compile("payload.js", src, false); err != nil {
		return &SyntaxError{Language: LanguageJavaScript, Message: err.Error()}
	}
	return nil
}

func checkStarlark(src string) error {
	if _, err := syntax.Parse("payload.star", src, 0); err != nil {
		var serr syntax.Error
		if errors.As(err, &serr) {
			return &SyntaxError{Language: LanguageStarlark, Line: int(serr.Pos.Line), Message: serr.Msg}
		}
		return &SyntaxError{Language: LanguageStarlark, Message: err.Error()}
	}
	return nil
}

func checkJSON(src string) error {
	if _, err := oj.ParseString(src); err != nil {
		return &SyntaxError{Language: LanguageJSON, Message: err.Error()}
	}
	return nil
}

func checkYAML(src string) error {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(src), &node); err != nil {
		return &SyntaxError{Language: LanguageYAML, Message: err.Error()}
	}
	return nil
}

func checkCUE(src string) error {
	v := cuecontext.New().CompileString(src, cue.Filename("payload.cue"))
	if err := v.Err(); err != nil {
		return &SyntaxError{Language: LanguageCUE, Message: err.Error()}
	}
	return nil
}

func checkPython(src string) error {
	starts, serr := scanSource(src, true)
	if serr != nil {
		return serr.withLanguage(LanguagePython)
	}
	if serr := checkIndentation(strings.Split(src, "\n"), starts); serr != nil {
		return serr.withLanguage(LanguagePython)
	}
	return nil
}

func (e *SyntaxError) withLanguage(lang Language) *SyntaxError {
	e.Language = lang
	return e
}
