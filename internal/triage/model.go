package triage

import (
	"sort"
	"strings"
	"time"

	"github.com/linnemanlabs/secnews/internal/feed"
)

// Decision is the relevance class of an entry.
type Decision string

const (
	// DecisionScrape means the entry is relevant and gets dispatched.
	DecisionScrape Decision = "SCRAPE"

	// DecisionWatchlist means the entry is borderline and kept for manual review.
	DecisionWatchlist Decision = "WATCHLIST"

	// DecisionSkip means the entry is irrelevant.
	DecisionSkip Decision = "SKIP"
)

// ParseDecision maps a model supplied label onto a Decision, case-insensitively.
func ParseDecision(s string) (Decision, bool) {
	switch Decision(strings.ToUpper(strings.TrimSpace(s))) {
	case DecisionScrape:
		return DecisionScrape, true
	case DecisionWatchlist:
		return DecisionWatchlist, true
	case DecisionSkip:
		return DecisionSkip, true
	default:
		return "", false
	}
}

// Action is what the pipeline does with a judged entry.
type Action string

const (
	ActionEmit     Action = "emit"
	ActionHold     Action = "hold"
	ActionSuppress Action = "suppress"
)

// Usage is the token accounting of one judgment call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Verdict is the structured result of judging one entry.
type Verdict struct {
	Score     int      `json:"score"`
	Label     Decision `json:"decision,omitempty"`
	Target    string   `json:"target,omitempty"`
	Rationale string   `json:"rationale"`
	Tags      []string `json:"tags,omitempty"`
	Model     string   `json:"model,omitempty"`
	Usage     Usage    `json:"usage"`
}

// Message is what a Dispatcher receives for an emitted entry.
type Message struct {
	RunID    string
	Entry    *feed.NormalizedEntry
	Verdict  *Verdict
	Decision Decision
}

// Record is what the state keeps for a processed entry.
type Record struct {
	Decision    Decision  `json:"decision"`
	ProcessedAt time.Time `json:"processed_at"`
	Title       string    `json:"title,omitempty"`
	Link        string    `json:"link,omitempty"`
	TitleKey    string    `json:"title_key,omitempty"`
	Score       int       `json:"score"`
	Target      string    `json:"target,omitempty"`
	Rationale   string    `json:"rationale,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// StoredEntry is a Record together with its entry id.
type StoredEntry struct {
	ID string `json:"id"`
	Record
}

// StateVersion is the schema version written into new state documents.
const StateVersion = 1

// State is the set of processed entry ids plus document metadata. It is not
// safe for concurrent mutation; the pipeline mutates it from one goroutine.
type State struct {
	Version      int               `json:"version"`
	Revision     int64             `json:"revision"`
	CriteriaHash string            `json:"criteria_hash,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Entries      map[string]Record `json:"entries"`

	titles map[string]string // title key -> id, built on first HasTitle
}

// NewState returns an empty state at the current schema version.
func NewState() *State {
	return &State{
		Version: StateVersion,
		Entries: make(map[string]Record),
	}
}

// Len returns the number of retained records.
func (s *State) Len() int {
	return len(s.Entries)
}

// HasSeen reports whether id has already been processed.
func (s *State) HasSeen(id string) bool {
	_, ok := s.Entries[id]
	return ok
}

// Get returns the record for id.
func (s *State) Get(id string) (Record, bool) {
	r, ok := s.Entries[id]
	return r, ok
}

// MarkSeen records id as processed.
func (s *State) MarkSeen(id string, r Record) {
	if s.Entries == nil {
		s.Entries = make(map[string]Record)
	}
	s.Entries[id] = r
	if s.titles != nil && r.TitleKey != "" {
		if _, ok := s.titles[r.TitleKey]; !ok {
			s.titles[r.TitleKey] = id
		}
	}
}

// HasTitle returns the id of a retained record with the given title key.
func (s *State) HasTitle(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	if s.titles == nil {
		s.titles = make(map[string]string, len(s.Entries))
		for id, r := range s.Entries {
			if r.TitleKey == "" {
				continue
			}
			if prev, ok := s.titles[r.TitleKey]; !ok || id < prev {
				s.titles[r.TitleKey] = id
			}
		}
	}
	id, ok := s.titles[key]
	return id, ok
}

// Prune drops records processed before now-retention, then the oldest
// records beyond maxRecords. Zero disables either bound. Returns the number
// of records removed.
//
// The count bound wins over retention: a record still inside the retention
// window is dropped once maxRecords newer ones exist, and its id will be
// judged and dispatched again if a feed still carries it.
func (s *State) Prune(now time.Time, retention time.Duration, maxRecords int) int {
	before := len(s.Entries)

	if retention > 0 {
		cutoff := now.Add(-retention)
		for id, r := range s.Entries {
			if r.ProcessedAt.Before(cutoff) {
				delete(s.Entries, id)
			}
		}
	}

	if maxRecords > 0 && len(s.Entries) > maxRecords {
		all := s.sorted()
		for _, e := range all[maxRecords:] {
			delete(s.Entries, e.ID)
		}
	}

	removed := before - len(s.Entries)
	if removed > 0 {
		s.titles = nil
	}
	return removed
}

// Merge adds other's records into s. For ids present in both, the record
// processed first wins.
func (s *State) Merge(other *State) {
	if other == nil {
		return
	}
	if s.Entries == nil {
		s.Entries = make(map[string]Record, len(other.Entries))
	}
	for id, r := range other.Entries {
		cur, ok := s.Entries[id]
		if !ok || r.ProcessedAt.Before(cur.ProcessedAt) {
			s.Entries[id] = r
		}
	}
	if other.Revision > s.Revision {
		s.Revision = other.Revision
	}
	s.titles = nil
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	cp := &State{
		Version:      s.Version,
		Revision:     s.Revision,
		CriteriaHash: s.CriteriaHash,
		UpdatedAt:    s.UpdatedAt,
		Entries:      make(map[string]Record, len(s.Entries)),
	}
	for id, r := range s.Entries {
		cp.Entries[id] = r
	}
	return cp
}

// List returns records newest first, optionally filtered by decision.
// limit <= 0 returns all matches.
func (s *State) List(decision Decision, limit int) []StoredEntry {
	var out []StoredEntry
	for _, e := range s.sorted() {
		if decision != "" && e.Decision != decision {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// sorted returns all records newest first, ties broken by id.
func (s *State) sorted() []StoredEntry {
	all := make([]StoredEntry, 0, len(s.Entries))
	for id, r := range s.Entries {
		all = append(all, StoredEntry{ID: id, Record: r})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].ProcessedAt.Equal(all[j].ProcessedAt) {
			return all[i].ProcessedAt.After(all[j].ProcessedAt)
		}
		return all[i].ID < all[j].ID
	})
	return all
}
