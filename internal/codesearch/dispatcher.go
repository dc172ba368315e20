package codesearch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/codeindex-mcp/internal/index"
	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// DefaultMaxResults caps matches when Options.MaxResults is zero
const DefaultMaxResults = 200

// DefaultTools is the external tool preference order
var DefaultTools = []string{"ugrep", "ripgrep", "ag", "grep"}

// Project is the search target
type Project struct {
	Root  string
	Files FileSource
}

// Result is the outcome of a dispatched search
type Result struct {
	Tool      string        `json:"tool"`
	Matches   []types.Match `json:"matches"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration"`
}

// DispatcherOptions configures a Dispatcher
type DispatcherOptions struct {
	Tools       []Tool // preference order; nil means DefaultTools
	ScanWorkers int
	MaxResults  int
	Logger      *slog.Logger
}

// Dispatcher picks the first working search tool and falls back to the
// in-process scanner.
type Dispatcher struct {
	mu     sync.Mutex
	tools  []Tool
	active int // index into tools; len(tools) means the builtin scanner
	probed bool
	opts   DispatcherOptions
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. Probing is deferred to the first search.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	tools := opts.Tools
	if tools == nil {
		for _, name := range DefaultTools {
			t, _ := NewTool(name)
			tools = append(tools, t)
		}
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("search")
	}
	return &Dispatcher{tools: tools, opts: opts, logger: logger}
}

// ToolsFromNames builds the tool list from configured names
func ToolsFromNames(names []string) ([]Tool, error) {
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		t, err := NewTool(name)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// Active returns the name of the tool the next search will use
func (d *Dispatcher) Active(ctx context.Context) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probeLocked(ctx, 0)
	if d.active < len(d.tools) {
		return d.tools[d.active].Name()
	}
	return "builtin"
}

// probeLocked selects the first tool at or after from that answers a probe
func (d *Dispatcher) probeLocked(ctx context.Context, from int) {
	if d.probed && from == 0 {
		return
	}
	d.probed = true
	d.active = len(d.tools)
	for i := from; i < len(d.tools); i++ {
		if d.tools[i].Probe(ctx) {
			d.active = i
			break
		}
	}
	d.logger.Debug("search tool selected", "tool", d.nameLocked())
}

func (d *Dispatcher) nameLocked() string {
	if d.active < len(d.tools) {
		return d.tools[d.active].Name()
	}
	return "builtin"
}

// ToolStatus reports whether one backend answered
type ToolStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// ToolReport lists every backend in preference order, the builtin scanner
// last, and the one searches use
type ToolReport struct {
	Active string       `json:"active"`
	Tools  []ToolStatus `json:"tools"`
}

// Refresh checks every tool again and selects the first that answers
func (d *Dispatcher) Refresh(ctx context.Context) *ToolReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	report := &ToolReport{Tools: make([]ToolStatus, 0, len(d.tools)+1)}
	d.probed = true
	d.active = len(d.tools)
	for i, t := range d.tools {
		ok := t.Probe(ctx)
		if ok && d.active == len(d.tools) {
			d.active = i
		}
		report.Tools = append(report.Tools, ToolStatus{Name: t.Name(), Available: ok})
	}
	report.Tools = append(report.Tools, ToolStatus{Name: "builtin", Available: true})
	report.Active = d.nameLocked()
	d.logger.Info("search tools re-detected", "active", report.Active)
	return report
}

// demote is called when tool i vanished. It re-probes that tool once and
// moves to the next working one when the probe fails. It reports whether
// the active tool changed.
func (d *Dispatcher) demote(ctx context.Context, i int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != i {
		return true
	}
	if d.tools[i].Probe(ctx) {
		return false
	}
	prev := d.tools[i].Name()
	d.probeLocked(ctx, i+1)
	d.logger.Warn("search tool vanished, demoted", "from", prev, "to", d.nameLocked())
	return true
}

// Search runs pattern over the project with the active tool
func (d *Dispatcher) Search(ctx context.Context, project Project, pattern string, opts Options) (*Result, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, types.ErrEmptyQuery
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = d.opts.MaxResults
	}
	start := time.Now()

	for {
		d.mu.Lock()
		d.probeLocked(ctx, 0)
		i := d.active
		d.mu.Unlock()

		var tool Tool
		if i < len(d.tools) {
			tool = d.tools[i]
		} else {
			tool = NewScanner(project.Files, d.opts.ScanWorkers)
		}

		matches, err := tool.Search(ctx, project.Root, pattern, opts)
		if errors.Is(err, errScannerOnly) {
			d.logger.Debug("regex not supported by tool, scanning in process", "tool", tool.Name())
			tool = NewScanner(project.Files, d.opts.ScanWorkers)
			matches, err = tool.Search(ctx, project.Root, pattern, opts)
		}
		if err != nil && i < len(d.tools) && errors.Is(err, types.ErrSearchToolUnavailable) {
			if d.demote(ctx, i) {
				continue
			}
		}
		if err != nil {
			return nil, err
		}

		result := &Result{Tool: tool.Name(), Duration: time.Since(start)}
		result.Matches, result.Truncated = finalize(matches, project.Files, opts)
		return result, nil
	}
}

// finalize applies ignore patterns and the file glob uniformly, sorts, and
// truncates.
func finalize(matches []types.Match, files FileSource, opts Options) ([]types.Match, bool) {
	out := matches[:0]
	for _, m := range matches {
		if files != nil && files.Ignored(m.File) {
			continue
		}
		if !index.MatchGlob(opts.FilePattern, m.File) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].Column < out[j].Column
	})
	truncated := false
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
		truncated = true
	}
	return out, truncated
}
