package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// HeuristicParser extracts declarations with line patterns. It accepts any
// language and never fails; its symbols are marked heuristic.
type HeuristicParser struct{}

// NewHeuristicParser creates a HeuristicParser.
func NewHeuristicParser() *HeuristicParser {
	return &HeuristicParser{}
}

// Name implements Parser.
func (h *HeuristicParser) Name() string { return "heuristic" }

// Supports implements Parser.
func (h *HeuristicParser) Supports(string) bool { return true }

var (
	pyDefPattern     = regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+(\w+)\s*\(`)
	pyClassPattern   = regexp.MustCompile(`^(\s*)class\s+(\w+)`)
	rubyDefPattern   = regexp.MustCompile(`^(\s*)def\s+(?:self\.)?([\w?!=]+)`)
	rubyClassPattern = regexp.MustCompile(`^(\s*)(?:class|module)\s+([\w:]+)`)
	rubyEndPattern   = regexp.MustCompile(`^(\s*)end\b`)

	funcPattern   = regexp.MustCompile(`(?:^|\s)(?:function|def|fn|func)\s+(?:\([^)]*\)\s*)?(\w+)`)
	typePattern   = regexp.MustCompile(`(?:^|\s)(class|struct|interface|enum|trait)\s+(\w+)`)
	methodPattern = regexp.MustCompile(`^\s*(?:(?:public|protected|private|static|final|abstract|synchronized|native|override|virtual|async)\s+)+[\w<>\[\],.?]+\s+(\w+)\s*\(`)
	arrowPattern  = regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+(\w+)\s*=\s*(?:async\s+)?(?:\([^)]*\)|\w+)\s*=>`)

	pyImportPattern    = regexp.MustCompile(`^\s*import\s+([\w.]+)(?:\s+as\s+(\w+))?`)
	pyFromPattern      = regexp.MustCompile(`^\s*from\s+([\w.]+)\s+import\b`)
	jsImportPattern    = regexp.MustCompile(`^\s*import\s+(?:(?:type\s+)?([\w*{}\s,$]+?)\s+from\s+)?['"]([^'"]+)['"]`)
	jsRequirePattern   = regexp.MustCompile(`(?:const|let|var)\s+(\w+)\s*=\s*require\(\s*['"]([^'"]+)['"]\s*\)`)
	javaImportPattern  = regexp.MustCompile(`^\s*import\s+(?:static\s+)?([\w.*]+)\s*;?`)
	rustUsePattern     = regexp.MustCompile(`^\s*(?:pub\s+)?use\s+([\w:{}*, ]+?)(?:\s+as\s+(\w+))?\s*;`)
	rubyRequirePattern = regexp.MustCompile(`^\s*require(?:_relative)?\s+['"]([^'"]+)['"]`)
	cIncludePattern    = regexp.MustCompile(`^\s*#\s*include\s+[<"]([^>"]+)[>"]`)
	csharpUsingPattern = regexp.MustCompile(`^\s*using\s+(?:(\w+)\s*=\s*)?([\w.]+)\s*;`)
	phpUsePattern      = regexp.MustCompile(`^\s*use\s+([\w\\]+)(?:\s+as\s+(\w+))?\s*;`)
)

var controlKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "new": true, "else": true, "do": true, "try": true,
}

// Parse implements Parser.
func (h *HeuristicParser) Parse(path string, src []byte) (*types.ParseResult, error) {
	lang, _ := DetectLanguage(path, src)
	result := &types.ParseResult{Language: lang, Heuristic: true}

	text := string(src)
	lines := strings.Split(text, "\n")
	offsets := lineOffsets(lines)

	var syms []types.Symbol
	switch lang {
	case "python":
		syms = extractIndented(lines)
	case "ruby":
		syms = extractRuby(lines)
	case "markdown", "text", "json", "yaml", "xml", "html", "css":
		// markup and data files carry no declarations
	default:
		syms = extractBraced(lines)
	}

	for i := range syms {
		s := &syms[i]
		s.StartByte = offsets[s.Start.Line-1]
		if s.End.Line < len(offsets) {
			s.EndByte = offsets[s.End.Line] - 1
		} else {
			s.EndByte = len(text)
		}
		if s.EndByte < s.StartByte {
			s.EndByte = s.StartByte
		}
	}
	assignParents(syms)
	result.Symbols = syms
	result.Imports = scanImportLines(lang, lines)
	return result, nil
}

// ScanImports finds import statements line by line for languages whose
// parser backend reports none.
func ScanImports(lang string, src []byte) []types.Import {
	return scanImportLines(lang, strings.Split(string(src), "\n"))
}

func scanImportLines(lang string, lines []string) []types.Import {
	var out []types.Import
	add := func(path, alias string, line int) {
		path = strings.TrimSpace(path)
		if path != "" {
			out = append(out, types.Import{Path: path, Alias: strings.TrimSpace(alias), Line: line})
		}
	}
	for i, line := range lines {
		n := i + 1
		switch lang {
		case "python":
			if m := pyFromPattern.FindStringSubmatch(line); m != nil {
				add(m[1], "", n)
			} else if m := pyImportPattern.FindStringSubmatch(line); m != nil {
				add(m[1], m[2], n)
			}
		case "javascript", "typescript", "tsx", "jsx":
			if m := jsImportPattern.FindStringSubmatch(line); m != nil {
				add(m[2], "", n)
			} else if m := jsRequirePattern.FindStringSubmatch(line); m != nil {
				add(m[2], m[1], n)
			}
		case "java", "kotlin", "scala":
			if m := javaImportPattern.FindStringSubmatch(line); m != nil {
				add(m[1], "", n)
			}
		case "rust":
			if m := rustUsePattern.FindStringSubmatch(line); m != nil {
				add(m[1], m[2], n)
			}
		case "ruby":
			if m := rubyRequirePattern.FindStringSubmatch(line); m != nil {
				add(m[1], "", n)
			}
		case "c", "cpp":
			if m := cIncludePattern.FindStringSubmatch(line); m != nil {
				add(m[1], "", n)
			}
		case "csharp":
			if m := csharpUsingPattern.FindStringSubmatch(line); m != nil {
				add(m[2], m[1], n)
			}
		case "php":
			if m := phpUsePattern.FindStringSubmatch(line); m != nil {
				add(m[1], m[2], n)
			}
		}
	}
	return out
}

func lineOffsets(lines []string) []int {
	offsets := make([]int, len(lines))
	pos := 0
	for i, l := range lines {
		offsets[i] = pos
		pos += len(l) + 1
	}
	return offsets
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

// extractIndented finds python-style blocks whose end is the last line
// indented deeper than the header.
func extractIndented(lines []string) []types.Symbol {
	var syms []types.Symbol
	for i, line := range lines {
		var kind types.SymbolKind
		var m []string
		if m = pyDefPattern.FindStringSubmatch(line); m != nil {
			kind = types.KindFunction
		} else if m = pyClassPattern.FindStringSubmatch(line); m != nil {
			kind = types.KindClass
		} else {
			continue
		}
		indent := len(m[1])
		end := i
		for j := i + 1; j < len(lines); j++ {
			trimmed := strings.TrimSpace(lines[j])
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			if indentOf(lines[j]) <= indent {
				break
			}
			end = j
		}
		syms = append(syms, types.Symbol{
			Name:      m[2],
			Kind:      kind,
			Signature: strings.TrimSpace(line),
			Start:     types.Position{Line: i + 1, Column: indent + 1},
			End:       types.Position{Line: end + 1, Column: len(lines[end]) + 1},
		})
	}
	return syms
}

// extractRuby pairs def/class/module headers with the first `end` at the
// same indentation.
func extractRuby(lines []string) []types.Symbol {
	var syms []types.Symbol
	for i, line := range lines {
		var kind types.SymbolKind
		var name string
		var indent int
		if m := rubyDefPattern.FindStringSubmatch(line); m != nil {
			kind, name, indent = types.KindFunction, m[2], len(m[1])
		} else if m := rubyClassPattern.FindStringSubmatch(line); m != nil {
			kind, name, indent = types.KindClass, m[2], len(m[1])
		} else {
			continue
		}
		end := i
		for j := i + 1; j < len(lines); j++ {
			if m := rubyEndPattern.FindStringSubmatch(lines[j]); m != nil && len(m[1]) == indent {
				end = j
				break
			}
		}
		syms = append(syms, types.Symbol{
			Name:      name,
			Kind:      kind,
			Signature: strings.TrimSpace(line),
			Start:     types.Position{Line: i + 1, Column: indent + 1},
			End:       types.Position{Line: end + 1, Column: len(lines[end]) + 1},
		})
	}
	return syms
}

// extractBraced matches declaration headers and finds their end by brace
// counting. Headers with no opening brace within three lines are treated as
// single-line declarations.
func extractBraced(lines []string) []types.Symbol {
	var syms []types.Symbol
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "*") || strings.HasPrefix(trimmed, "#") {
			continue
		}

		var kind types.SymbolKind
		var name string
		if m := typePattern.FindStringSubmatch(line); m != nil {
			name = m[2]
			switch m[1] {
			case "class":
				kind = types.KindClass
			case "struct":
				kind = types.KindStruct
			case "interface", "trait":
				kind = types.KindInterface
			default:
				kind = types.KindType
			}
		} else if m := funcPattern.FindStringSubmatch(line); m != nil {
			kind, name = types.KindFunction, m[1]
		} else if m := arrowPattern.FindStringSubmatch(line); m != nil {
			kind, name = types.KindFunction, m[1]
		} else if m := methodPattern.FindStringSubmatch(line); m != nil && !controlKeywords[m[1]] {
			kind, name = types.KindMethod, m[1]
		} else {
			continue
		}

		end := braceEnd(lines, i)
		syms = append(syms, types.Symbol{
			Name:      name,
			Kind:      kind,
			Signature: trimmed,
			Start:     types.Position{Line: i + 1, Column: indentOf(line) + 1},
			End:       types.Position{Line: end + 1, Column: len(lines[end]) + 1},
		})
	}
	return syms
}

func braceEnd(lines []string, start int) int {
	depth := 0
	opened := false
	for j := start; j < len(lines); j++ {
		if !opened && j > start+2 {
			return start
		}
		for _, c := range stripLiterals(lines[j]) {
			switch c {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return j
		}
	}
	if !opened {
		return start
	}
	return len(lines) - 1
}

// stripLiterals blanks out quoted strings and trailing line comments so
// braces inside them are not counted.
func stripLiterals(line string) string {
	var b strings.Builder
	var quote rune
	escaped := false
	runes := []rune(line)
	for i, c := range runes {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		if c == '/' && i+1 < len(runes) && runes[i+1] == '/' {
			break
		}
		if c == '"' || c == '\'' || c == '`' {
			quote = c
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// assignParents sets Parent on symbols nested in a class-like symbol and
// turns nested functions into methods.
func assignParents(syms []types.Symbol) {
	sort.SliceStable(syms, func(i, j int) bool {
		return syms[i].Start.Line < syms[j].Start.Line
	})
	for i := range syms {
		for j := i - 1; j >= 0; j-- {
			outer := &syms[j]
			if !outer.Contains(&syms[i]) {
				continue
			}
			switch outer.Kind {
			case types.KindClass, types.KindStruct, types.KindInterface:
				syms[i].Parent = outer.Name
				if syms[i].Kind == types.KindFunction {
					syms[i].Kind = types.KindMethod
				}
			}
			break
		}
	}
}
