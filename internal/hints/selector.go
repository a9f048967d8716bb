// Package hints decides which relays to ask about which pubkeys.
package hints

import (
	"sort"

	"nostr-peoplesync/internal/nostr"
	"nostr-peoplesync/internal/types"
	"nostr-peoplesync/internal/util"
)

// PersonReader is the part of the person store the selector reads from.
type PersonReader interface {
	GetMultiple(pubkeys []string) map[string]types.Person
}

// Selector picks the indexer set for broad requests and each key's outbox
// (NIP-65 write relays) for targeted ones.
type Selector struct {
	people          PersonReader
	indexers        []string
	maxRelaysPerKey int
}

// NewSelector creates a selector. indexers are normalized once here.
func NewSelector(people PersonReader, indexers []string, maxRelaysPerKey int) *Selector {
	return &Selector{
		people:          people,
		indexers:        nostr.NormalizeRelayURLs(indexers),
		maxRelaysPerKey: maxRelaysPerKey,
	}
}

// Indexers returns override when it names at least one valid relay,
// otherwise the configured indexers.
func (s *Selector) Indexers(override []string) []string {
	if relays := nostr.NormalizeRelayURLs(override); len(relays) > 0 {
		return relays
	}
	return append([]string(nil), s.indexers...)
}

// SelectionsForKeys groups pubkeys by the write relays they declared, taking
// at most maxRelaysPerKey relays per key. Keys without a known relay list
// are left to the indexers. Groups are sorted by relay URL.
func (s *Selector) SelectionsForKeys(pubkeys []string) []types.RelayGroup {
	pubkeys = util.Dedupe(pubkeys)
	if len(pubkeys) == 0 {
		return nil
	}

	people := s.people.GetMultiple(pubkeys)
	byRelay := make(map[string][]string)
	for _, pk := range pubkeys {
		person := people[pk]
		relays := nostr.NormalizeRelayURLs(person.WriteRelays())
		for _, relayURL := range util.LimitSlice(relays, s.maxRelaysPerKey) {
			byRelay[relayURL] = append(byRelay[relayURL], pk)
		}
	}

	groups := make([]types.RelayGroup, 0, len(byRelay))
	for relayURL, keys := range byRelay {
		groups = append(groups, types.RelayGroup{RelayURL: relayURL, Pubkeys: keys})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].RelayURL < groups[j].RelayURL })
	return groups
}
