package types

import (
	"fmt"
	"time"
)

// ChangeEvent is the provider-neutral form of a repository push
type ChangeEvent struct {
	Provider   string    `json:"provider"`
	Repository string    `json:"repository"` // owner/name
	CloneURL   string    `json:"clone_url"`
	Branch     string    `json:"branch"`
	Before     string    `json:"before"`
	After      string    `json:"after"`
	Added      []string  `json:"added,omitempty"`
	Modified   []string  `json:"modified,omitempty"`
	Removed    []string  `json:"removed,omitempty"`
	EventID    string    `json:"event_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// Validate checks that the event names a repository and a target commit.
func (e *ChangeEvent) Validate() error {
	if e.CloneURL == "" && e.Repository == "" {
		return fmt.Errorf("%w: missing repository", ErrWebhookPayloadInvalid)
	}
	if e.After == "" {
		return fmt.Errorf("%w: missing target commit", ErrWebhookPayloadInvalid)
	}
	return nil
}

// Deleted reports whether the push removed the branch.
func (e *ChangeEvent) Deleted() bool {
	return isZeroCommit(e.After)
}

func isZeroCommit(sha string) bool {
	if sha == "" {
		return false
	}
	for _, c := range sha {
		if c != '0' {
			return false
		}
	}
	return true
}
