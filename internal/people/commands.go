package people

import (
	"slices"

	"nostr-peoplesync/internal/types"
)

// Follow adds a petname tag for value to owner's list, replacing any tag
// with the same value. Pubkey follows carry a relay hint when one is known.
func (s *Store) Follow(owner, tagType, value string) types.Person {
	tag := []string{tagType, value}
	if tagType == "p" {
		if hints := s.Get(value).WriteRelays(); len(hints) > 0 {
			tag = append(tag, hints[0])
		}
	}

	return s.Modify(owner, func(p *types.Person) bool {
		p.Petnames = append(rejectValue(p.Petnames, value), tag)
		p.PetnamesUpdatedAt = s.Now()
		return true
	})
}

// Unfollow removes every petname tag whose value is value.
func (s *Store) Unfollow(owner, value string) types.Person {
	return s.Modify(owner, func(p *types.Person) bool {
		p.Petnames = rejectValue(p.Petnames, value)
		p.PetnamesUpdatedAt = s.Now()
		return true
	})
}

// Mute adds a mute tag for pubkey to owner's list, replacing any tag with the same value.
func (s *Store) Mute(owner, tagType, pubkey string) types.Person {
	return s.Modify(owner, func(p *types.Person) bool {
		p.Mutes = append(rejectValue(p.Mutes, pubkey), []string{tagType, pubkey})
		p.MutesUpdatedAt = s.Now()
		return true
	})
}

// Unmute removes every mute tag whose value is value.
func (s *Store) Unmute(owner, value string) types.Person {
	return s.Modify(owner, func(p *types.Person) bool {
		p.Mutes = rejectValue(p.Mutes, value)
		p.MutesUpdatedAt = s.Now()
		return true
	})
}

func rejectValue(tags [][]string, value string) [][]string {
	out := make([][]string, 0, len(tags)+1)
	for _, t := range tags {
		if len(t) >= 2 && t[1] == value {
			continue
		}
		out = append(out, slices.Clone(t))
	}
	return out
}
