//go:build cgo

package parser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

func TestTreeSitter_Python(t *testing.T) {
	p, err := NewTreeSitterParser("python")
	require.NoError(t, err)

	src := `class Greeter:
    def greet(self):
        return "hi"


def main():
    pass
`
	result, err := p.Parse("app.py", []byte(src))
	require.NoError(t, err)
	assert.False(t, result.Heuristic)

	greeter := findSymbol(t, result, "Greeter")
	assert.Equal(t, types.KindClass, greeter.Kind)
	assert.Equal(t, 1, greeter.Start.Line)
	assert.Equal(t, 3, greeter.End.Line)

	greet := findSymbol(t, result, "greet")
	assert.Equal(t, types.KindMethod, greet.Kind)
	assert.Equal(t, "Greeter", greet.Parent)

	mainFn := findSymbol(t, result, "main")
	assert.Equal(t, types.KindFunction, mainFn.Kind)
	assert.Equal(t, "def main():", mainFn.Signature)
}

func TestTreeSitter_TypeScript(t *testing.T) {
	p, err := NewTreeSitterParser("typescript")
	require.NoError(t, err)

	src := `interface Shape { area(): number }

export class Square implements Shape {
  constructor(private side: number) {}
  area(): number { return this.side * this.side }
}

const double = (x: number) => x * 2
`
	result, err := p.Parse("shape.ts", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, types.KindInterface, findSymbol(t, result, "Shape").Kind)
	assert.Equal(t, types.KindClass, findSymbol(t, result, "Square").Kind)
	assert.Equal(t, "Square", findSymbol(t, result, "area").Parent)
	assert.Equal(t, types.KindFunction, findSymbol(t, result, "double").Kind)
}

func TestTreeSitter_SyntaxErrorIsParseFailure(t *testing.T) {
	p, err := NewTreeSitterParser("python")
	require.NoError(t, err)

	_, err = p.Parse("bad.py", []byte("def broken(:\n    pass\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrParseFailure))
}

func TestDefaultRegistry_IncludesGrammars(t *testing.T) {
	r := DefaultRegistry()
	assert.True(t, r.Structured("go"))
	assert.True(t, r.Structured("python"))
	assert.True(t, r.Structured("java"))
	assert.False(t, r.Structured("cobol"))
}
