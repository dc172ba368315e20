package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ChunkKind represents the kind of code chunk
type ChunkKind string

const (
	ChunkFunction ChunkKind = "function"
	ChunkMethod   ChunkKind = "method"
	ChunkClass    ChunkKind = "class"
	ChunkTypeDecl ChunkKind = "type"
	ChunkFile     ChunkKind = "file"
	ChunkWindow   ChunkKind = "window"
)

// Chunk represents a contiguous span of a file prepared for embedding
type Chunk struct {
	FilePath   string
	Language   string
	Kind       ChunkKind
	SymbolName string

	// Content and its hash. The hash covers Content only, so identical text
	// in two files shares one embedding.
	Content     string
	ContentHash string

	// Location, 1-based inclusive lines and 0-based half-open bytes
	StartLine int
	EndLine   int
	StartByte int
	EndByte   int
}

// HashContent returns the hex SHA-256 of content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ComputeContentHash computes the SHA-256 hash of the chunk content
func (c *Chunk) ComputeContentHash() {
	c.ContentHash = HashContent(c.Content)
}

// ComputeTokenCount estimates the number of tokens in the chunk
// Uses a simple heuristic: characters / 4
func (c *Chunk) ComputeTokenCount() int {
	return len(c.Content) / 4
}

// ValidateContent checks if the chunk content is valid
func (c *Chunk) ValidateContent() error {
	if c.Content == "" {
		return errors.New("chunk content cannot be empty")
	}

	if c.StartLine <= 0 || c.EndLine <= 0 {
		return errors.New("line numbers must be positive")
	}

	if c.StartLine > c.EndLine {
		return errors.New("start line must be before or equal to end line")
	}

	return nil
}

// ValidateKind checks if the chunk kind is valid
func (c *Chunk) ValidateKind() error {
	switch c.Kind {
	case ChunkFunction, ChunkMethod, ChunkClass, ChunkTypeDecl, ChunkFile, ChunkWindow:
		return nil
	default:
		return errors.New("invalid chunk kind")
	}
}

// Validate performs comprehensive validation of the chunk
func (c *Chunk) Validate() error {
	if err := c.ValidateContent(); err != nil {
		return err
	}

	if err := c.ValidateKind(); err != nil {
		return err
	}

	if c.FilePath == "" {
		return errors.New("file path is required")
	}

	if c.ContentHash == "" {
		return errors.New("content hash must be computed")
	}

	if c.ContentHash != HashContent(c.Content) {
		return errors.New("content hash does not match content")
	}

	return nil
}
