package ingest

import (
	"time"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// State is the phase of an ingestion run
type State string

const (
	StateIdle       State = "idle"
	StateScanning   State = "scanning"
	StateChunking   State = "chunking"
	StateEmbedding  State = "embedding"
	StateErrorRetry State = "error_retry"
	StateCommitting State = "committing"
)

// Kind selects which files a run visits
type Kind string

const (
	// KindFull visits every file of the shallow index
	KindFull Kind = "full"
	// KindIncremental visits an explicit change set, or the git diff from
	// the stored cursor to the target commit
	KindIncremental Kind = "incremental"
	// KindRetry visits only files with queued embedding retries
	KindRetry Kind = "retry"
	// KindReset moves the cursor without visiting files
	KindReset Kind = "reset"
)

// Rename is a path that moved
type Rename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ChangeSet lists changed paths relative to the project root
type ChangeSet struct {
	Added    []string `json:"added,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Renamed  []Rename `json:"renamed,omitempty"`
}

// Empty reports whether the change set names no path
func (c *ChangeSet) Empty() bool {
	return c == nil || len(c.Added)+len(c.Modified)+len(c.Removed)+len(c.Renamed) == 0
}

// split returns the paths to (re)process and the paths to remove. A path
// both removed and re-added is processed.
func (c *ChangeSet) split() (process, remove []string) {
	if c == nil {
		return nil, nil
	}
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			process = append(process, p)
		}
	}
	for _, p := range c.Added {
		add(p)
	}
	for _, p := range c.Modified {
		add(p)
	}
	for _, r := range c.Renamed {
		add(r.To)
	}
	gone := make(map[string]bool)
	for _, p := range c.Removed {
		if !seen[p] && !gone[p] {
			gone[p] = true
			remove = append(remove, p)
		}
	}
	for _, r := range c.Renamed {
		if r.From != "" && !seen[r.From] && !gone[r.From] {
			gone[r.From] = true
			remove = append(remove, r.From)
		}
	}
	return process, remove
}

// merge returns the change set of c followed by next. The later change of
// a path wins; renames become a removal of the old path and an add of the
// new one.
func (c *ChangeSet) merge(next *ChangeSet) *ChangeSet {
	process := make(map[string]bool)
	var order []string
	set := func(p string, keep bool) {
		if p == "" {
			return
		}
		if _, ok := process[p]; !ok {
			order = append(order, p)
		}
		process[p] = keep
	}
	apply := func(cs *ChangeSet) {
		if cs == nil {
			return
		}
		for _, r := range cs.Renamed {
			set(r.From, false)
		}
		for _, p := range cs.Removed {
			set(p, false)
		}
		for _, r := range cs.Renamed {
			set(r.To, true)
		}
		for _, p := range cs.Added {
			set(p, true)
		}
		for _, p := range cs.Modified {
			set(p, true)
		}
	}
	apply(c)
	apply(next)

	out := &ChangeSet{}
	for _, p := range order {
		if process[p] {
			out.Modified = append(out.Modified, p)
		} else {
			out.Removed = append(out.Removed, p)
		}
	}
	return out
}

// Request asks for one ingestion run of a project
type Request struct {
	TenantID  string     `json:"tenant_id"`
	ProjectID int64      `json:"project_id"`
	Kind      Kind       `json:"kind"`
	Changes   *ChangeSet `json:"changes,omitempty"`

	// TargetCommit is the commit the cursor moves to. For remote projects an
	// empty target means the branch tip.
	TargetCommit string `json:"target_commit,omitempty"`
	EventID      string `json:"event_id,omitempty"`

	// MergedEventIDs are events of queued triggers folded into this request
	MergedEventIDs []string `json:"merged_event_ids,omitempty"`

	// AuthToken is used for fetching private remotes and never persisted
	AuthToken string `json:"-"`

	// Force re-embeds files even when their stored hash matches
	Force bool `json:"force,omitempty"`

	// RunID is assigned by the queue; Execute generates one when empty
	RunID string `json:"run_id,omitempty"`
}

// eventIDs returns every event the request answers, in arrival order
func (r Request) eventIDs() []string {
	var ids []string
	if r.EventID != "" {
		ids = append(ids, r.EventID)
	}
	return append(ids, r.MergedEventIDs...)
}

// mergeable reports whether next can ride along with a queued request.
// Only incremental triggers of the same shape fold together: git-driven
// ones (no change set) or explicit change sets.
func mergeable(queued, next Request) bool {
	return queued.Kind == KindIncremental &&
		next.Kind == KindIncremental &&
		queued.Changes.Empty() == next.Changes.Empty()
}

// merge folds next into queued. Each run re-reads the cursor, so one run
// toward the newest target covers both triggers. Git-driven triggers with
// different targets fall back to the branch tip, which is at or ahead of
// every pushed commit.
func merge(queued, next Request) Request {
	out := queued
	switch {
	case queued.Changes.Empty():
		if queued.TargetCommit != next.TargetCommit {
			out.TargetCommit = ""
		}
	default:
		out.Changes = queued.Changes.merge(next.Changes)
		if next.TargetCommit != "" {
			out.TargetCommit = next.TargetCommit
		}
	}
	if next.AuthToken != "" {
		out.AuthToken = next.AuthToken
	}
	out.Force = queued.Force || next.Force

	seen := make(map[string]bool)
	for _, id := range queued.eventIDs() {
		seen[id] = true
	}
	out.MergedEventIDs = append([]string(nil), queued.MergedEventIDs...)
	for _, id := range next.eventIDs() {
		if !seen[id] {
			seen[id] = true
			out.MergedEventIDs = append(out.MergedEventIDs, id)
		}
	}
	if out.EventID == "" && len(out.MergedEventIDs) > 0 {
		out.EventID, out.MergedEventIDs = out.MergedEventIDs[0], out.MergedEventIDs[1:]
	}
	return out
}

// FileCounts tallies files by outcome
type FileCounts struct {
	Succeeded int `json:"succeeded"`
	Pending   int `json:"pending"` // committed with some chunks on the retry queue
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Removed   int `json:"removed"`
}

// Summary reports a completed run
type Summary struct {
	RunID             string            `json:"run_id"`
	Kind              Kind              `json:"kind"`
	Files             FileCounts        `json:"files"`
	ParseFailures     int               `json:"parse_failures"`
	ChunksCreated     int               `json:"chunks_created"`
	ChunksStaled      int               `json:"chunks_staled"`
	ChunksDeleted     int               `json:"chunks_deleted"`
	EmbeddingsCreated int               `json:"embeddings_created"`
	EmbeddingsReused  int               `json:"embeddings_reused"`
	EmbeddingsFailed  int               `json:"embeddings_failed"`
	RetryQueued       int               `json:"retry_queued"`
	CursorBefore      string            `json:"cursor_before,omitempty"`
	CursorAfter       string            `json:"cursor_after,omitempty"`
	NoOp              bool              `json:"no_op,omitempty"`
	Reason            string            `json:"reason,omitempty"`
	Duration          time.Duration     `json:"duration"`
	Errors            []types.UnitError `json:"errors,omitempty"`
}

// Outcome is delivered once per submitted request
type Outcome struct {
	Summary *Summary
	Err     error
}

// Status is the live view of a project's queue
type Status struct {
	ProjectID int64     `json:"project_id"`
	State     State     `json:"state"`
	RunID     string    `json:"run_id,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Queued    int       `json:"queued"`
	Last      *Summary  `json:"last,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}
