package nostr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-peoplesync/internal/nostr"
)

const (
	fiatjafNpub = "npub10elfcs4fr0l0r8af98jlmgdh9c8tcxjvz9qkw038js35mp4dma8qzvjptg"
	fiatjafHex  = "7e7e9c42a91bfef19fa929e5fda1b72e0ebc1a4c1141673e2794234d86addf4e"
)

func TestDecodeNpub(t *testing.T) {
	pk, err := nostr.DecodeNpub(fiatjafNpub)
	require.NoError(t, err)
	assert.Equal(t, fiatjafHex, pk)

	// one flipped character breaks the checksum
	_, err = nostr.DecodeNpub(fiatjafNpub[:len(fiatjafNpub)-1] + "q")
	assert.ErrorIs(t, err, nostr.ErrInvalidBech32)
}

func TestEncodeNpub(t *testing.T) {
	npub, err := nostr.EncodeNpub(fiatjafHex)
	require.NoError(t, err)
	assert.Equal(t, fiatjafNpub, npub)

	_, err = nostr.EncodeNpub("abc")
	assert.ErrorIs(t, err, nostr.ErrInvalidKey)
}

func TestDecodeNProfile(t *testing.T) {
	pk, relays, err := nostr.DecodeNProfile("nprofile1qqsrhuxx8l9ex335q7he0f09aej04zpazpl0ne2cgukyawd24mayt8gpp4mhxue69uhhytnc9e3k7mgpz4mhxue69uhkg6nzv9ejuumpv34kytnrdaksjlyr9p")
	require.NoError(t, err)
	assert.Equal(t, "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d", pk)
	assert.Equal(t, []string{"wss://r.x.com", "wss://djbas.sadkb.com"}, relays)

	_, _, err = nostr.DecodeNProfile(fiatjafNpub)
	assert.ErrorIs(t, err, nostr.ErrInvalidBech32)
}

func TestParsePubkey(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"hex", fiatjafHex, fiatjafHex, true},
		{"uppercase hex", "7E7E9C42A91BFEF19FA929E5FDA1B72E0EBC1A4C1141673E2794234D86ADDF4E", fiatjafHex, true},
		{"npub with spaces", "  " + fiatjafNpub + "\n", fiatjafHex, true},
		{"nprofile", "nprofile1qqsrhuxx8l9ex335q7he0f09aej04zpazpl0ne2cgukyawd24mayt8gpp4mhxue69uhhytnc9e3k7mgpz4mhxue69uhkg6nzv9ejuumpv34kytnrdaksjlyr9p", "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d", true},
		{"short hex", "abcd", "", false},
		{"note", "note1fntxtkcy9pjwucqwa9mddn7v03wwwsu9j330jj350nvhpky2tuaspk6nqc", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nostr.ParsePubkey(tt.input)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
