package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func personWithRelays() Person {
	return Person{
		Pubkey:          "p",
		Relays:          []RelayEntry{{URL: "wss://read.only", Read: true}, {URL: "wss://out.box", Write: true}},
		RelaysUpdatedAt: 4,
		RelaysFetchedAt: 9,
	}
}

func TestPersonAccessorsOnReturnedValue(t *testing.T) {
	assert.Equal(t, []string{"wss://out.box"}, personWithRelays().WriteRelays())
	assert.True(t, personWithRelays().HasData(DataRelays))
	assert.False(t, personWithRelays().HasData(DataProfile))
	assert.Equal(t, int64(9), personWithRelays().FetchedAt(DataRelays))
	assert.Zero(t, personWithRelays().FetchedAt(DataProfile))
}

func TestPersonApply(t *testing.T) {
	at := func(ts int64) *int64 { return &ts }
	p := personWithRelays()

	tests := []struct {
		name    string
		patch   PersonPatch
		changed bool
	}{
		{"older relay list", PersonPatch{Relays: []RelayEntry{}, RelaysUpdatedAt: at(3)}, false},
		{"same relay list", PersonPatch{Relays: []RelayEntry{}, RelaysUpdatedAt: at(4)}, false},
		{"newer relay list", PersonPatch{Relays: []RelayEntry{}, RelaysUpdatedAt: at(5)}, true},
		{"first petnames", PersonPatch{Petnames: [][]string{{"p", "x"}}, PetnamesUpdatedAt: at(1)}, true},
		{"petnames replay", PersonPatch{Petnames: [][]string{{"p", "x"}}, PetnamesUpdatedAt: at(1)}, false},
		{"local mutes", PersonPatch{Mutes: [][]string{{"p", "y"}}}, true},
		{"same fetch stamp", PersonPatch{RelaysFetchedAt: at(9)}, false},
		{"new fetch stamp", PersonPatch{ProfileFetchedAt: at(11)}, true},
		{"empty", PersonPatch{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.changed, p.Apply(tt.patch))
		})
	}

	assert.Empty(t, p.Relays)
	assert.Equal(t, int64(5), p.RelaysUpdatedAt)
	assert.Equal(t, [][]string{{"p", "y"}}, p.Mutes)
	assert.Equal(t, int64(11), p.ProfileFetchedAt)
}
