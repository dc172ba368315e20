package chunker

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

const (
	// TokensPerChar is the heuristic for estimating tokens (chars/4)
	TokensPerChar = 4

	DefaultMaxChunkLines = 200
	DefaultMaxChunkBytes = 8000
	DefaultWindowLines   = 60
	DefaultOverlapLines  = 10
)

// Options holds chunk size thresholds and window overlap
type Options struct {
	MaxChunkLines int
	MaxChunkBytes int
	WindowLines   int
	OverlapLines  int
}

// DefaultOptions returns the default thresholds
func DefaultOptions() Options {
	return Options{
		MaxChunkLines: DefaultMaxChunkLines,
		MaxChunkBytes: DefaultMaxChunkBytes,
		WindowLines:   DefaultWindowLines,
		OverlapLines:  DefaultOverlapLines,
	}
}

// Chunker splits files into embedding-sized chunks
type Chunker struct {
	opts Options
}

// New creates a Chunker. Zero or inconsistent options fall back to defaults.
func New(opts Options) *Chunker {
	d := DefaultOptions()
	if opts.MaxChunkLines <= 0 {
		opts.MaxChunkLines = d.MaxChunkLines
	}
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = d.MaxChunkBytes
	}
	if opts.WindowLines <= 0 {
		opts.WindowLines = d.WindowLines
	}
	if opts.WindowLines > opts.MaxChunkLines {
		opts.WindowLines = opts.MaxChunkLines
	}
	if opts.OverlapLines < 0 || opts.OverlapLines >= opts.WindowLines {
		opts.OverlapLines = 0
	}
	return &Chunker{opts: opts}
}

// Options returns the effective options
func (c *Chunker) Options() Options {
	return c.opts
}

// FileInput is one file to chunk
type FileInput struct {
	Path     string
	Language string
	Content  []byte
}

// Chunk splits a file into chunks. Top-level structured symbols become one
// chunk each (windowed when oversized). Without a structured parse, or when
// it yields no chunkable symbols, the file becomes a single chunk or a run
// of overlapping windows. Whitespace-only input yields nothing.
func (c *Chunker) Chunk(file FileInput, parse *types.ParseResult) []types.Chunk {
	text := string(file.Content)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	doc := newDocument(text)

	var symbols []types.Symbol
	if parse != nil && !parse.Heuristic {
		symbols = topLevel(parse.Symbols, len(doc.lines))
	}

	var chunks []types.Chunk
	if len(symbols) > 0 {
		for i := range symbols {
			sym := &symbols[i]
			kind := symbolKindToChunkKind(sym.Kind)
			chunks = append(chunks, c.span(file, doc, sym.Start.Line-1, sym.End.Line, kind, sym.Name)...)
		}
	} else {
		chunks = c.span(file, doc, 0, len(doc.lines), types.ChunkFile, "")
		if len(chunks) > 1 {
			for i := range chunks {
				chunks[i].Kind = types.ChunkWindow
			}
		}
	}

	return chunks
}

// span emits lines [lo, hi) as one chunk, or as windows when it exceeds the
// line or byte threshold.
func (c *Chunker) span(file FileInput, doc *document, lo, hi int, kind types.ChunkKind, name string) []types.Chunk {
	if lo < 0 {
		lo = 0
	}
	if hi > len(doc.lines) {
		hi = len(doc.lines)
	}
	if lo >= hi {
		return nil
	}

	if hi-lo <= c.opts.MaxChunkLines && doc.size(lo, hi) <= c.opts.MaxChunkBytes {
		if ch, ok := doc.chunk(file, lo, hi, kind, name); ok {
			return []types.Chunk{ch}
		}
		return nil
	}

	var out []types.Chunk
	i := lo
	for {
		end := i + c.opts.WindowLines
		if end > hi {
			end = hi
		}
		for end > i+1 && doc.size(i, end) > c.opts.MaxChunkBytes {
			end--
		}

		if end == i+1 && doc.size(i, end) > c.opts.MaxChunkBytes {
			out = append(out, doc.splitLine(file, i, c.opts.MaxChunkBytes, kind, name)...)
		} else if ch, ok := doc.chunk(file, i, end, kind, name); ok {
			out = append(out, ch)
		}

		if end >= hi {
			break
		}
		next := end - c.opts.OverlapLines
		if next <= i {
			next = end
		}
		i = next
	}
	return out
}

// topLevel keeps chunkable symbols that are not nested inside another
// chunkable symbol, ordered by position, dropping any that overlap an
// earlier one.
func topLevel(all []types.Symbol, lineCount int) []types.Symbol {
	candidates := make([]types.Symbol, 0, len(all))
	for _, s := range all {
		if !s.Chunkable() || s.Start.Line <= 0 || s.End.Line < s.Start.Line || s.Start.Line > lineCount {
			continue
		}
		candidates = append(candidates, s)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Start.Line != candidates[j].Start.Line {
			return candidates[i].Start.Line < candidates[j].Start.Line
		}
		return candidates[i].End.Line > candidates[j].End.Line
	})

	result := make([]types.Symbol, 0, len(candidates))
	lastEnd := 0
	for _, s := range candidates {
		if s.Start.Line <= lastEnd {
			continue
		}
		result = append(result, s)
		lastEnd = s.End.Line
	}
	return result
}

// symbolKindToChunkKind maps symbol kinds to chunk kinds
func symbolKindToChunkKind(kind types.SymbolKind) types.ChunkKind {
	switch kind {
	case types.KindFunction:
		return types.ChunkFunction
	case types.KindMethod:
		return types.ChunkMethod
	case types.KindClass:
		return types.ChunkClass
	default:
		return types.ChunkTypeDecl
	}
}

// document indexes a file's lines and their byte offsets
type document struct {
	text    string
	lines   []string
	offsets []int // offsets[i] is the byte offset of line i; offsets[len] is len(text)+1
}

func newDocument(text string) *document {
	lines := strings.Split(text, "\n")
	// a trailing newline does not start another line
	if len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	offsets := make([]int, len(lines)+1)
	pos := 0
	for i, l := range lines {
		offsets[i] = pos
		pos += len(l) + 1
	}
	offsets[len(lines)] = pos
	return &document{text: text, lines: lines, offsets: offsets}
}

// size is the byte length of lines [lo, hi) joined with newlines
func (d *document) size(lo, hi int) int {
	return d.offsets[hi] - d.offsets[lo] - 1
}

func (d *document) chunk(file FileInput, lo, hi int, kind types.ChunkKind, name string) (types.Chunk, bool) {
	content := strings.Join(d.lines[lo:hi], "\n")
	if strings.TrimSpace(content) == "" {
		return types.Chunk{}, false
	}
	ch := types.Chunk{
		FilePath:   file.Path,
		Language:   file.Language,
		Kind:       kind,
		SymbolName: name,
		Content:    content,
		StartLine:  lo + 1,
		EndLine:    hi,
		StartByte:  d.offsets[lo],
		EndByte:    d.offsets[lo] + len(content),
	}
	ch.ComputeContentHash()
	return ch, true
}

// splitLine cuts one overlong line into pieces of at most max bytes on rune
// boundaries.
func (d *document) splitLine(file FileInput, idx, max int, kind types.ChunkKind, name string) []types.Chunk {
	line := d.lines[idx]
	base := d.offsets[idx]
	var out []types.Chunk
	for start := 0; start < len(line); {
		end := start + max
		if end >= len(line) {
			end = len(line)
		} else {
			for end > start && !utf8.RuneStart(line[end]) {
				end--
			}
			if end == start {
				end = start + max
			}
		}
		piece := line[start:end]
		if strings.TrimSpace(piece) != "" {
			ch := types.Chunk{
				FilePath:   file.Path,
				Language:   file.Language,
				Kind:       kind,
				SymbolName: name,
				Content:    piece,
				StartLine:  idx + 1,
				EndLine:    idx + 1,
				StartByte:  base + start,
				EndByte:    base + end,
			}
			ch.ComputeContentHash()
			out = append(out, ch)
		}
		start = end
	}
	return out
}

// EstimateTokenCount estimates the number of tokens in a string
func EstimateTokenCount(text string) int {
	return len(text) / TokensPerChar
}
