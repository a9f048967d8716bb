// Package types provides shared type definitions used across internal packages.
package types

import (
	"encoding/json"
	"slices"
)

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// TagValue returns the first value of the named tag, or "" if absent.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	DTags   []string // #d tag filter (d-tag for addressable events)
	Limit   int
	Since   *int64
	Until   *int64
}

// WithAuthors returns a copy of the filter scoped to the given authors.
func (f Filter) WithAuthors(authors []string) Filter {
	f.Authors = slices.Clone(authors)
	f.Kinds = slices.Clone(f.Kinds)
	f.DTags = slices.Clone(f.DTags)
	return f
}

// MarshalJSON encodes the filter in its NIP-01 wire shape, omitting empty fields.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, 7)
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.DTags) > 0 {
		m["#d"] = f.DTags
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	return json.Marshal(m)
}

// Matches reports whether the event satisfies every constraint of the filter.
// Relays are untrusted, so results are checked against the filter that was sent.
func (f Filter) Matches(evt *Event) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, evt.Kind) {
		return false
	}
	if len(f.DTags) > 0 && !slices.Contains(f.DTags, evt.TagValue("d")) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	return true
}

// MatchesAny reports whether the event satisfies at least one of the filters.
func MatchesAny(filters []Filter, evt *Event) bool {
	for _, f := range filters {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

// LoadRequest describes one query against a set of relays.
type LoadRequest struct {
	Relays    []string
	Filters   []Filter
	SkipCache bool

	// OnEvent is called once per matching event per relay. It may run
	// concurrently from several relay goroutines.
	OnEvent func(Event)
}
