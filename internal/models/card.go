// Package models defines the domain types for the card index.
package models

import "time"

// CardLocation is a reference to where a card block was last observed.
// Lines are zero-based; EndLine is the closing fence and is inclusive.
type CardLocation struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

// Valid reports whether the location names a document and spans a positive
// line range.
func (l CardLocation) Valid() bool {
	return l.Path != "" && l.StartLine >= 0 && l.EndLine > l.StartLine
}

// Overlaps reports whether l and o share at least one line of the same document.
func (l CardLocation) Overlaps(o CardLocation) bool {
	return l.Path == o.Path && l.StartLine <= o.EndLine && o.StartLine <= l.EndLine
}

// CardRecord is one entry per distinct content identity.
type CardRecord struct {
	CID         string         `json:"-"`
	Content     string         `json:"content"`
	Locations   []CardLocation `json:"locations"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// Clone returns a deep copy safe to hand out to callers.
func (r *CardRecord) Clone() *CardRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Locations = append([]CardLocation(nil), r.Locations...)
	return &out
}

// CardIndex maps a CID to its record.
type CardIndex map[string]*CardRecord
