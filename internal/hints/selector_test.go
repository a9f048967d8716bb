package hints

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"nostr-peoplesync/internal/types"
)

const (
	alice = "bbde6a0e8847bcd2ea1a37e4a0ea33c0a2e77ee4e5e9e4e8f3a8ef0f38c2f1a0"
	bob   = "f9308a019258c31049344f85f89d5229b531c845836f99b08601f113bce036f9"
	carol = "c0ffee0000000000000000000000000000000000000000000000000000c0ffee"
)

type fakePeople map[string]types.Person

func (f fakePeople) GetMultiple(pubkeys []string) map[string]types.Person {
	out := make(map[string]types.Person, len(pubkeys))
	for _, pk := range pubkeys {
		p, ok := f[pk]
		if !ok {
			p = types.Person{Pubkey: pk}
		}
		out[pk] = p
	}
	return out
}

func TestIndexers(t *testing.T) {
	s := NewSelector(fakePeople{}, []string{"wss://indexer.one/", "wss://indexer.two", "bogus"}, 2)

	assert.Equal(t, []string{"wss://indexer.one", "wss://indexer.two"}, s.Indexers(nil))
	assert.Equal(t, []string{"wss://override.example"}, s.Indexers([]string{"wss://override.example"}))
	assert.Equal(t, []string{"wss://indexer.one", "wss://indexer.two"}, s.Indexers([]string{"not a relay"}))
}

func TestIndexersReturnsCopy(t *testing.T) {
	s := NewSelector(fakePeople{}, []string{"wss://indexer.one"}, 2)
	got := s.Indexers(nil)
	got[0] = "changed"
	assert.Equal(t, []string{"wss://indexer.one"}, s.Indexers(nil))
}

func TestSelectionsForKeys(t *testing.T) {
	people := fakePeople{
		alice: {Pubkey: alice, Relays: []types.RelayEntry{
			{URL: "wss://b.relay", Write: true},
			{URL: "wss://read.only", Read: true},
			{URL: "wss://a.relay", Write: true},
			{URL: "wss://c.relay", Write: true},
		}},
		bob: {Pubkey: bob, Relays: []types.RelayEntry{
			{URL: "wss://a.relay", Read: true, Write: true},
		}},
	}
	s := NewSelector(people, nil, 2)

	groups := s.SelectionsForKeys([]string{alice, bob, carol, alice})
	assert.Equal(t, []types.RelayGroup{
		{RelayURL: "wss://a.relay", Pubkeys: []string{alice, bob}},
		{RelayURL: "wss://b.relay", Pubkeys: []string{alice}},
	}, groups)
}

func TestSelectionsForKeysEmpty(t *testing.T) {
	s := NewSelector(fakePeople{}, nil, 2)
	assert.Empty(t, s.SelectionsForKeys(nil))
	assert.Empty(t, s.SelectionsForKeys([]string{carol}))
}
