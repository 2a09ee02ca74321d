// Package activity contains the core domain types for the iCity friends
// monitor: canonical activity records, persisted snapshots, and the diff
// engine that detects new and changed entries between cycles.
package activity

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// RawEntry is a single entry as extracted from the friends page, before
// normalization. Only ID is required; everything else is best-effort.
type RawEntry struct {
	ID             string
	URL            string
	AuthorName     string
	AuthorUsername string
	Content        string
	TimeText       string
	Location       string
}

// Record is the canonical form of one friend activity entry.
type Record struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	ActivityText string `json:"activity_text"`
	ContentHash  string `json:"content_hash"`
	URL          string `json:"url,omitempty"`
	Location     string `json:"location,omitempty"`
}

// Snapshot is the last-known state of the friends page.
type Snapshot struct {
	Records       map[string]*Record `json:"records"`
	LastCheckedAt time.Time          `json:"last_checked_at"`
}

// NewSnapshot returns an empty snapshot for first runs.
func NewSnapshot() *Snapshot {
	return &Snapshot{Records: make(map[string]*Record)}
}

// Empty reports whether the snapshot holds no records at all. An empty
// snapshot means we have never observed the page, so the first fetched set
// is seeded silently instead of being reported as all-new.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Records) == 0
}

// Options control how raw entries are normalized into records.
type Options struct {
	// TrackNameChanges folds the display name into the content hash, so a
	// renamed friend counts as a change even when the activity text is
	// untouched. Off by default.
	TrackNameChanges bool
}

var whitespaceRegex = regexp.MustCompile(`\s+`)

// CollapseWhitespace trims an entry field and collapses runs of whitespace
// into single spaces, matching how the page renders them.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}

// Hash derives the content fingerprint for a record. Deterministic: equal
// monitored fields always produce equal hashes.
func Hash(displayName, activityText string, opts Options) string {
	h := sha256.New()
	if opts.TrackNameChanges {
		h.Write([]byte(displayName))
		h.Write([]byte{0})
	}
	h.Write([]byte(activityText))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize turns raw fetched entries into a canonical id-keyed record map.
// The returned order slice lists ids by first appearance in the fetch, which
// is the order diffs and notifications preserve. Duplicate ids collapse to
// the last occurrence. Entries without an id are dropped with a warning;
// they never fail the batch.
func Normalize(entries []*RawEntry, opts Options, logger *slog.Logger) (map[string]*Record, []string) {
	records := make(map[string]*Record, len(entries))
	order := make([]string, 0, len(entries))

	for i, entry := range entries {
		if entry.ID == "" {
			logger.Warn("Dropping entry without identity", "index", i, "author", entry.AuthorName)
			continue
		}

		name := displayName(entry)
		text := CollapseWhitespace(entry.Content)

		if _, seen := records[entry.ID]; !seen {
			order = append(order, entry.ID)
		}
		records[entry.ID] = &Record{
			ID:           entry.ID,
			DisplayName:  name,
			ActivityText: text,
			ContentHash:  Hash(name, text, opts),
			URL:          entry.URL,
			Location:     CollapseWhitespace(entry.Location),
		}
	}

	return records, order
}

func displayName(entry *RawEntry) string {
	name := CollapseWhitespace(entry.AuthorName)
	username := CollapseWhitespace(entry.AuthorUsername)
	switch {
	case name != "" && username != "":
		return name + " " + username
	case name != "":
		return name
	case username != "":
		return username
	default:
		return "未知用户"
	}
}

// Change pairs the previously known record with its current form.
type Change struct {
	Previous *Record
	Current  *Record
}

// DiffResult lists records that are new or changed since the prior snapshot,
// in fetch order, added before changed. Records that disappeared from the
// page are not reported.
type DiffResult struct {
	Added   []*Record
	Changed []Change
}

// Empty reports whether the diff carries nothing to notify about.
func (d *DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0
}

// Size is the total number of entries the diff represents.
func (d *DiffResult) Size() int {
	return len(d.Added) + len(d.Changed)
}

// Diff compares the freshly normalized set against the prior snapshot.
// Pure function of its inputs: no I/O, no clock, deterministic.
func Diff(previous *Snapshot, current map[string]*Record, order []string) *DiffResult {
	result := &DiffResult{}
	if previous == nil {
		previous = NewSnapshot()
	}

	for _, id := range order {
		record, ok := current[id]
		if !ok {
			continue
		}
		prev, existed := previous.Records[id]
		switch {
		case !existed:
			result.Added = append(result.Added, record)
		case prev.ContentHash != record.ContentHash:
			result.Changed = append(result.Changed, Change{Previous: prev, Current: record})
		}
	}

	return result
}
