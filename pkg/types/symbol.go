package types

import (
	"errors"
)

// SymbolKind represents the kind of a source symbol
type SymbolKind string

const (
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindClass     SymbolKind = "class"
	KindStruct    SymbolKind = "struct"
	KindInterface SymbolKind = "interface"
	KindType      SymbolKind = "type"
	KindConst     SymbolKind = "const"
	KindVar       SymbolKind = "var"
	KindModule    SymbolKind = "module"
)

// Position represents a location in source code
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Symbol represents a named declaration extracted from a source file
type Symbol struct {
	// Identification
	Name string     `json:"name"`
	Kind SymbolKind `json:"kind"`

	// Content
	Signature  string `json:"signature,omitempty"`
	DocComment string `json:"doc_comment,omitempty"`

	// Parent is the receiver type for methods or the enclosing class.
	Parent string `json:"parent,omitempty"`

	// Location
	Start     Position `json:"start"`
	End       Position `json:"end"`
	StartByte int      `json:"start_byte"`
	EndByte   int      `json:"end_byte"`
}

// ValidateKind checks if the symbol kind is valid
func (s *Symbol) ValidateKind() error {
	switch s.Kind {
	case KindFunction, KindMethod, KindClass, KindStruct, KindInterface, KindType, KindConst, KindVar, KindModule:
		return nil
	default:
		return errors.New("invalid symbol kind")
	}
}

// Validate performs comprehensive validation of the symbol
func (s *Symbol) Validate() error {
	if s.Name == "" {
		return errors.New("symbol name is required")
	}

	if err := s.ValidateKind(); err != nil {
		return err
	}

	if s.Start.Line <= 0 || s.End.Line <= 0 {
		return errors.New("invalid position: line numbers must be positive")
	}

	if s.Start.Line > s.End.Line {
		return errors.New("invalid position: start line must be before or equal to end line")
	}

	return nil
}

// Contains reports whether other lies entirely within s.
func (s *Symbol) Contains(other *Symbol) bool {
	return s.Start.Line <= other.Start.Line && other.End.Line <= s.End.Line &&
		!(s.Start.Line == other.Start.Line && s.End.Line == other.End.Line)
}

// Chunkable reports whether the symbol kind is a unit the chunker emits.
func (s *Symbol) Chunkable() bool {
	switch s.Kind {
	case KindFunction, KindMethod, KindClass, KindStruct, KindInterface, KindType:
		return true
	}
	return false
}
