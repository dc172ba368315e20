package codesearch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Options controls one search
type Options struct {
	Regex         bool   `json:"regex,omitempty"`
	Fuzzy         bool   `json:"fuzzy,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
	FilePattern   string `json:"file_pattern,omitempty"` // glob over relative paths
	MaxResults    int    `json:"max_results,omitempty"`
}

// Tool is one search backend
type Tool interface {
	Name() string
	Probe(ctx context.Context) bool
	Search(ctx context.Context, root, pattern string, opts Options) ([]types.Match, error)
}

// probeTimeout bounds a "--version" probe
const probeTimeout = 5 * time.Second

// execTool runs an external search executable
type execTool struct {
	name    string
	bin     string
	columns bool // output carries a column field
	args    func(pattern string, opts Options) []string
}

func (t *execTool) Name() string { return t.name }

// Probe reports whether the executable is on PATH and answers --version
func (t *execTool) Probe(ctx context.Context) bool {
	path, err := exec.LookPath(t.bin)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, path, "--version").Run() == nil
}

// Search runs the tool in root. Exit status 1 means no matches; a missing
// executable is reported as ErrSearchToolUnavailable so the dispatcher can
// demote.
func (t *execTool) Search(ctx context.Context, root, pattern string, opts Options) ([]types.Match, error) {
	cmd := exec.CommandContext(ctx, t.bin, t.args(pattern, opts)...)
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if vanished(err) {
			return nil, fmt.Errorf("%w: %s: %w", types.ErrSearchToolUnavailable, t.name, err)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s: %w", t.name, err)
		}
		switch {
		case exitErr.ExitCode() == 1 && stdout.Len() == 0:
			return []types.Match{}, nil
		case exitErr.ExitCode() > 1:
			return nil, fmt.Errorf("%s exited with status %d: %s",
				t.name, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
	}

	var fallback lineMatcher
	if !t.columns {
		fallback, err = compileMatcher(pattern, opts)
		if err != nil {
			return nil, err
		}
	}
	return parseOutput(stdout.Bytes(), t.columns, fallback), nil
}

// vanished reports whether err means the executable could not be started
func vanished(err error) bool {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var execErr *exec.Error
	return errors.As(err, &execErr)
}

// parseOutput reads "path:line:column:text" lines, or "path:line:text" when
// columns is false, in which case the column comes from match.
func parseOutput(out []byte, columns bool, match lineMatcher) []types.Match {
	matches := []types.Match{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		m, ok := parseLine(sc.Text(), columns, match)
		if ok {
			matches = append(matches, m)
		}
	}
	return matches
}

func parseLine(line string, columns bool, match lineMatcher) (types.Match, bool) {
	n := 3
	if columns {
		n = 4
	}
	parts := strings.SplitN(line, ":", n)
	if len(parts) < n {
		return types.Match{}, false
	}
	lineNo, err := strconv.Atoi(parts[1])
	if err != nil || lineNo < 1 {
		return types.Match{}, false
	}
	m := types.Match{File: normalizePath(parts[0]), Line: lineNo, Column: 1}
	if columns {
		col, err := strconv.Atoi(parts[2])
		if err != nil {
			return types.Match{}, false
		}
		m.Column = col
		m.Text = parts[3]
	} else {
		m.Text = parts[2]
		if match != nil {
			if i, ok := match(m.Text); ok {
				m.Column = i + 1
			}
		}
	}
	m.Text = strings.TrimRight(m.Text, "\r")
	return m, true
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(p, "./")
}

// globFlag converts a relative path glob into what a tool's include flag
// understands: tools match include globs against base names, so a glob
// with directories is narrowed to its last segment and the full glob is
// applied after parsing.
func globFlag(pattern string) string {
	if i := strings.LastIndexByte(pattern, '/'); i >= 0 {
		return pattern[i+1:]
	}
	return pattern
}

// NewUgrep returns the ugrep backend. Fuzzy searches use ugrep's native
// approximate matching.
func NewUgrep() Tool {
	return &execTool{name: "ugrep", bin: "ug", columns: true, args: func(pattern string, opts Options) []string {
		args := []string{"--line-number", "--column-number", "--no-heading", "--color=never", "-r", "-I"}
		switch {
		case opts.Fuzzy:
			args = append(args, "--fuzzy")
		case !opts.Regex:
			args = append(args, "--fixed-strings")
		}
		if !opts.CaseSensitive {
			args = append(args, "--ignore-case")
		}
		if opts.FilePattern != "" {
			args = append(args, "-g", globFlag(opts.FilePattern))
		}
		return append(args, "--", pattern, ".")
	}}
}

// NewRipgrep returns the ripgrep backend
func NewRipgrep() Tool {
	return &execTool{name: "ripgrep", bin: "rg", columns: true, args: func(pattern string, opts Options) []string {
		args := []string{"--line-number", "--column", "--no-heading", "--color=never"}
		expr, fixed := effectivePattern(pattern, opts)
		if fixed {
			args = append(args, "--fixed-strings")
		}
		if !opts.CaseSensitive {
			args = append(args, "--ignore-case")
		}
		if opts.FilePattern != "" {
			args = append(args, "--glob", opts.FilePattern)
		}
		return append(args, "--", expr, ".")
	}}
}

// NewAg returns the silver searcher backend. ag only filters files by regex,
// so the file glob is applied after parsing.
func NewAg() Tool {
	return &execTool{name: "ag", bin: "ag", columns: true, args: func(pattern string, opts Options) []string {
		args := []string{"--nogroup", "--nocolor", "--column", "--numbers"}
		expr, fixed := effectivePattern(pattern, opts)
		if fixed {
			args = append(args, "--literal")
		}
		if opts.CaseSensitive {
			args = append(args, "--case-sensitive")
		} else {
			args = append(args, "--ignore-case")
		}
		return append(args, "--", expr, ".")
	}}
}

// errScannerOnly marks a regex the tool cannot evaluate with Go regexp
// semantics. The dispatcher answers it with the builtin scanner.
var errScannerOnly = errors.New("pattern needs the builtin scanner")

// grepTool is the POSIX grep backend. grep prints no column, so it is
// computed from the first match on each line. Regex searches run with -P
// when the installed grep has PCRE; ERE lacks \d, \w, lazy quantifiers and
// lookarounds, so without -P they go to the builtin scanner.
type grepTool struct {
	execTool
	perl atomic.Bool
}

// NewGrep returns the grep backend
func NewGrep() Tool {
	t := &grepTool{}
	t.execTool = execTool{name: "grep", bin: "grep", columns: false, args: t.buildArgs}
	return t
}

// Probe checks the executable and whether it accepts -P
func (t *grepTool) Probe(ctx context.Context) bool {
	if !t.execTool.Probe(ctx) {
		t.perl.Store(false)
		return false
	}
	t.perl.Store(supportsPerl(ctx, t.bin))
	return true
}

// supportsPerl runs "grep -P" over empty input: exit 0 or 1 means the flag
// is understood, 2 means it is not.
func supportsPerl(ctx context.Context, bin string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, "-P", "-e", "x")
	cmd.Stdin = strings.NewReader("")
	err := cmd.Run()
	var exitErr *exec.ExitError
	return err == nil || (errors.As(err, &exitErr) && exitErr.ExitCode() == 1)
}

func (t *grepTool) Search(ctx context.Context, root, pattern string, opts Options) ([]types.Match, error) {
	if _, fixed := effectivePattern(pattern, opts); !fixed && !t.perl.Load() {
		return nil, errScannerOnly
	}
	return t.execTool.Search(ctx, root, pattern, opts)
}

func (t *grepTool) buildArgs(pattern string, opts Options) []string {
	args := []string{"-r", "-n", "-I", "--color=never"}
	expr, fixed := effectivePattern(pattern, opts)
	if fixed {
		args = append(args, "-F")
	} else {
		args = append(args, "-P")
	}
	if !opts.CaseSensitive {
		args = append(args, "-i")
	}
	if opts.FilePattern != "" {
		args = append(args, "--include="+globFlag(opts.FilePattern))
	}
	return append(args, "-e", expr, ".")
}

// NewTool maps a configured tool name to its backend
func NewTool(name string) (Tool, error) {
	switch name {
	case "ugrep", "ug":
		return NewUgrep(), nil
	case "ripgrep", "rg":
		return NewRipgrep(), nil
	case "ag":
		return NewAg(), nil
	case "grep":
		return NewGrep(), nil
	default:
		return nil, fmt.Errorf("unknown search tool %q", name)
	}
}
