// Package feed turns RSS/Atom items into canonical entries for the triage pipeline.
package feed

import (
	"context"
	"time"
)

// Entry is a raw item as read from a feed. It is not modified after Fetch.
type Entry struct {
	Feed      string
	GUID      string
	Title     string
	Link      string
	Published time.Time
	Updated   time.Time
	Summary   string
	Content   string
}

// Timestamp returns the publish time, falling back to the update time.
func (e *Entry) Timestamp() time.Time {
	if !e.Published.IsZero() {
		return e.Published
	}
	return e.Updated
}

// NormalizedEntry is the canonical form of an Entry used for dedup and judgment.
type NormalizedEntry struct {
	ID        string    `json:"id"`
	GUID      string    `json:"guid,omitempty"`
	Title     string    `json:"title"`
	TitleKey  string    `json:"title_key,omitempty"`
	Link      string    `json:"link,omitempty"`
	Published time.Time `json:"published,omitzero"`
	Text      string    `json:"text,omitempty"`
	Feed      string    `json:"feed,omitempty"`
}

// Source produces the entries for one run. A non-nil error together with
// a non-empty slice means some feeds failed and the rest are usable.
type Source interface {
	Fetch(ctx context.Context) ([]Entry, error)
}
