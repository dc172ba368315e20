package gitsync

import (
	"context"
	"fmt"
	"strings"
)

// ChangeStatus is the one-letter status of git diff --name-status
type ChangeStatus string

const (
	StatusAdded       ChangeStatus = "A"
	StatusModified    ChangeStatus = "M"
	StatusDeleted     ChangeStatus = "D"
	StatusRenamed     ChangeStatus = "R"
	StatusCopied      ChangeStatus = "C"
	StatusTypeChanged ChangeStatus = "T"
)

// Change is one path changed between two commits. OldPath is set for
// renames and copies.
type Change struct {
	Status  ChangeStatus `json:"status"`
	Path    string       `json:"path"`
	OldPath string       `json:"old_path,omitempty"`
}

// Diff lists the files changed from one commit to another with rename
// detection
func (c *Client) Diff(ctx context.Context, dir, from, to string) ([]Change, error) {
	out, err := c.runner.Run(ctx, dir, "diff", "--name-status", "-z", "-M", "--no-color", from, to)
	if err != nil {
		return nil, err
	}
	return ParseNameStatus(out)
}

// ParseNameStatus parses NUL separated "git diff --name-status -z" output.
// Rename and copy entries carry a similarity score and two paths.
func ParseNameStatus(out []byte) ([]Change, error) {
	fields := strings.Split(string(out), "\x00")
	var changes []Change
	for i := 0; i < len(fields); i++ {
		code := fields[i]
		if code == "" {
			continue
		}
		status := ChangeStatus(code[:1])
		switch status {
		case StatusRenamed, StatusCopied:
			if i+2 >= len(fields) {
				return nil, fmt.Errorf("truncated %s entry in diff output", code)
			}
			changes = append(changes, Change{Status: status, OldPath: fields[i+1], Path: fields[i+2]})
			i += 2
		case StatusAdded, StatusModified, StatusDeleted, StatusTypeChanged:
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("truncated %s entry in diff output", code)
			}
			changes = append(changes, Change{Status: status, Path: fields[i+1]})
			i++
		default:
			// U (unmerged) and X (unknown) never appear between two commits
			if i+1 < len(fields) {
				i++
			}
		}
	}
	return changes, nil
}
