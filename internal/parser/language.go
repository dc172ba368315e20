package parser

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Detection confidence levels.
const (
	ConfidenceExtension = 1.0
	ConfidenceFilename  = 0.9
	ConfidenceShebang   = 0.8
	ConfidenceUnknown   = 0.1
)

var extensionLanguages = map[string]string{
	".py": "python", ".pyw": "python", ".pyi": "python",
	".js": "javascript", ".jsx": "javascript", ".mjs": "javascript", ".cjs": "javascript",
	".ts": "typescript", ".tsx": "tsx",
	".java": "java",
	".c":    "c", ".h": "c",
	".cpp": "cpp", ".hpp": "cpp", ".cxx": "cpp", ".cc": "cpp", ".hxx": "cpp", ".hh": "cpp",
	".cs": "csharp",
	".go": "go",
	".m":  "objective-c", ".mm": "objective-c",
	".rb":    "ruby",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin", ".kts": "kotlin",
	".rs":    "rust",
	".scala": "scala",
	".sh":    "shell", ".bash": "shell", ".zsh": "shell",
	".ps1": "powershell",
	".bat": "batch", ".cmd": "batch",
	".r":  "r",
	".pl": "perl", ".pm": "perl",
	".lua":  "lua",
	".dart": "dart",
	".hs":   "haskell",
	".ml":   "ocaml", ".mli": "ocaml",
	".fs": "fsharp", ".fsx": "fsharp",
	".clj": "clojure", ".cljs": "clojure",
	".vim":  "vim",
	".zig":  "zig",
	".html": "html", ".htm": "html",
	".css": "css", ".scss": "css", ".sass": "css", ".less": "css", ".styl": "css", ".stylus": "css",
	".md": "markdown", ".mdx": "markdown",
	".json": "json", ".jsonc": "json",
	".xml": "xml",
	".yml": "yaml", ".yaml": "yaml",
	".toml":   "toml",
	".vue":    "vue",
	".svelte": "svelte",
	".astro":  "astro",
	".hbs":    "handlebars", ".handlebars": "handlebars",
	".ejs": "ejs",
	".pug": "pug",
	".sql": "sql", ".ddl": "sql", ".dml": "sql", ".mysql": "sql", ".postgresql": "sql", ".psql": "sql",
	".cql": "cql", ".cypher": "cypher", ".sparql": "sparql",
	".gql": "graphql", ".graphql": "graphql",
	".proto": "protobuf",
}

var filenameLanguages = map[string]string{
	"makefile":       "make",
	"gnumakefile":    "make",
	"dockerfile":     "dockerfile",
	"rakefile":       "ruby",
	"gemfile":        "ruby",
	"jenkinsfile":    "groovy",
	"cmakelists.txt": "cmake",
	"go.mod":         "gomod",
}

var shebangLanguages = map[string]string{
	"python":  "python",
	"python3": "python",
	"node":    "javascript",
	"deno":    "typescript",
	"bash":    "shell",
	"sh":      "shell",
	"zsh":     "shell",
	"ruby":    "ruby",
	"perl":    "perl",
	"php":     "php",
	"lua":     "lua",
}

// DetectLanguage identifies a file's language from its extension, its
// well-known name, or a shebang in head, with a confidence in [0,1].
// Unknown files are "text" at ConfidenceUnknown.
func DetectLanguage(path string, head []byte) (string, float64) {
	ext := filepath.Ext(path)
	if lang, ok := extensionLanguages[ext]; ok {
		return lang, ConfidenceExtension
	}
	if lang, ok := extensionLanguages[strings.ToLower(ext)]; ok {
		return lang, ConfidenceExtension
	}

	base := strings.ToLower(filepath.Base(path))
	if lang, ok := filenameLanguages[base]; ok {
		return lang, ConfidenceFilename
	}

	if lang := shebangLanguage(head); lang != "" {
		return lang, ConfidenceShebang
	}

	return "text", ConfidenceUnknown
}

// IsSupportedExtension reports whether the extension maps to a known language.
func IsSupportedExtension(path string) bool {
	_, ok := extensionLanguages[strings.ToLower(filepath.Ext(path))]
	return ok
}

func shebangLanguage(head []byte) string {
	if !bytes.HasPrefix(head, []byte("#!")) {
		return ""
	}
	line := head[2:]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return ""
	}
	interp := filepath.Base(fields[0])
	if interp == "env" {
		for _, f := range fields[1:] {
			if strings.HasPrefix(f, "-") {
				continue
			}
			interp = f
			break
		}
	}
	if lang, ok := shebangLanguages[interp]; ok {
		return lang
	}
	// python3.12, ruby2.7 and similar
	trimmed := strings.TrimRight(interp, "0123456789.")
	return shebangLanguages[trimmed]
}
