package validate

import (
	"fmt"
	"regexp"
	"strings"
)

type bracket struct {
	ch   rune
	line int
}

var openers = map[rune]rune{')': '(', ']': '[', '}': '{'}

// scanSource checks that brackets balance. In python mode it also honours
// comments, string literals and line continuations, and returns the lines
// that begin a logical line.
func scanSource(src string, python bool) ([]int, *SyntaxError) {
	runes := []rune(src)
	var stack []bracket
	var starts []int
	line := 1
	atLineStart := true

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if atLineStart {
			if len(stack) == 0 {
				starts = append(starts, line)
			}
			atLineStart = false
		}

		switch {
		case c == '\n':
			line++
			atLineStart = true
		case python && c == '#':
			for i+1 < len(runes) && runes[i+1] != '\n' {
				i++
			}
		case python && c == '\\' && i+1 < len(runes) && runes[i+1] == '\n':
			i++
			line++
		case python && (c == '\'' || c == '"'):
			end, newlines, err := skipString(runes, i, line)
			if err != nil {
				return nil, err
			}
			i = end
			line += newlines
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, bracket{ch: c, line: line})
		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 {
				return nil, &SyntaxError{Line: line, Message: fmt.Sprintf("unmatched '%c'", c)}
			}
			top := stack[len(stack)-1]
			if top.ch != openers[c] {
				return nil, &SyntaxError{Line: line, Message: fmt.Sprintf("closing '%c' does not match '%c' opened on line %d", c, top.ch, top.line)}
			}
			stack = stack[:len(stack)-1]
		}
	}

	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return nil, &SyntaxError{Line: top.line, Message: fmt.Sprintf("'%c' was never closed", top.ch)}
	}
	return starts, nil
}

// skipString returns the index of the closing quote of the literal starting at i
// and the number of newlines inside it.
func skipString(runes []rune, i, line int) (int, int, *SyntaxError) {
	q := runes[i]
	triple := i+2 < len(runes) && runes[i+1] == q && runes[i+2] == q
	newlines := 0

	if triple {
		for j := i + 3; j < len(runes); j++ {
			switch {
			case runes[j] == '\\':
				if j+1 < len(runes) && runes[j+1] == '\n' {
					newlines++
				}
				j++
			case runes[j] == '\n':
				newlines++
			case runes[j] == q && j+2 < len(runes) && runes[j+1] == q && runes[j+2] == q:
				return j + 2, newlines, nil
			}
		}
		return 0, 0, &SyntaxError{Line: line, Message: "unterminated triple-quoted string literal"}
	}

	for j := i + 1; j < len(runes); j++ {
		switch runes[j] {
		case '\\':
			if j+1 < len(runes) && runes[j+1] == '\n' {
				newlines++
			}
			j++
		case '\n':
			return 0, 0, &SyntaxError{Line: line + newlines, Message: "unterminated string literal"}
		case q:
			return j, newlines, nil
		}
	}
	return 0, 0, &SyntaxError{Line: line + newlines, Message: "unterminated string literal"}
}

var blockKeywordRe = regexp.MustCompile(`^(async\s+)?(def|class|if|elif|else|for|while|try|except|finally|with|match|case)\b`)

// checkIndentation applies Python's indentation rules to the logical lines.
// A logical line may span several physical lines inside brackets.
func checkIndentation(lines []string, starts []int) *SyntaxError {
	levels := []int{0}
	expectBlock := 0

	for k, n := range starts {
		if n-1 >= len(lines) {
			break
		}
		text := strings.TrimRight(lines[n-1], " \t\r")
		code := strings.TrimLeft(text, " \t")
		if code == "" || strings.HasPrefix(code, "#") {
			continue
		}
		indent := indentWidth(text)
		top := levels[len(levels)-1]

		switch {
		case expectBlock > 0:
			if indent <= top {
				return &SyntaxError{Line: n, Message: fmt.Sprintf("expected an indented block after line %d", expectBlock)}
			}
			levels = append(levels, indent)
		case indent > top:
			return &SyntaxError{Line: n, Message: "unexpected indent"}
		case indent < top:
			for len(levels) > 1 && levels[len(levels)-1] > indent {
				levels = levels[:len(levels)-1]
			}
			if levels[len(levels)-1] != indent {
				return &SyntaxError{Line: n, Message: "unindent does not match any outer indentation level"}
			}
		}

		end := len(lines)
		if k+1 < len(starts) {
			end = starts[k+1] - 1
		}
		expectBlock = 0
		if blockKeywordRe.MatchString(code) && opensBlock(lines, n, end) {
			expectBlock = n
		}
	}

	if expectBlock > 0 {
		return &SyntaxError{Line: expectBlock, Message: fmt.Sprintf("expected an indented block after line %d", expectBlock)}
	}
	return nil
}

// opensBlock reports whether the logical line spanning lines first..last
// ends with a colon.
func opensBlock(lines []string, first, last int) bool {
	if last > len(lines) {
		last = len(lines)
	}
	for i := last; i >= first; i-- {
		code := strings.TrimSpace(lines[i-1])
		if code == "" || strings.HasPrefix(code, "#") {
			continue
		}
		return strings.HasSuffix(stripComment(code), ":")
	}
	return false
}

// stripComment drops a trailing comment from lines without string literals.
func stripComment(code string) string {
	if strings.ContainsAny(code, `'"`) {
		return code
	}
	if i := strings.IndexByte(code, '#'); i >= 0 {
		return strings.TrimRight(code[:i], " \t")
	}
	return code
}

// indentWidth measures leading whitespace with tabs advancing to the next multiple of 8.
func indentWidth(line string) int {
	width := 0
	for _, c := range line {
		switch c {
		case ' ':
			width++
		case '\t':
			width = (width/8 + 1) * 8
		default:
			return width
		}
	}
	return width
}
