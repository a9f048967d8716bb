package nostr

import (
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrInvalidBech32 = errors.New("invalid bech32 string")
	ErrInvalidKey    = errors.New("invalid public key")
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// NIP-19 TLV types used by nprofile
const (
	tlvSpecial = 0
	tlvRelay   = 1
)

// ParsePubkey accepts a hex key, an npub or an nprofile and returns the
// lowercase hex key.
func ParsePubkey(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if IsValidPubkey(s) {
		return s, nil
	}
	switch {
	case strings.HasPrefix(s, "npub1"):
		return DecodeNpub(s)
	case strings.HasPrefix(s, "nprofile1"):
		pk, _, err := DecodeNProfile(s)
		return pk, err
	}
	return "", ErrInvalidKey
}

// DecodeNpub returns the hex key behind an npub1... string.
func DecodeNpub(npub string) (string, error) {
	raw, err := decodeEntity("npub", npub)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", ErrInvalidKey
	}
	return hex.EncodeToString(raw), nil
}

// DecodeNProfile returns the key and relay hints of an nprofile1... string.
// Unknown TLV entries are skipped.
func DecodeNProfile(nprofile string) (string, []string, error) {
	raw, err := decodeEntity("nprofile", nprofile)
	if err != nil {
		return "", nil, err
	}

	var (
		pubkey string
		relays []string
	)
	for i := 0; i+2 <= len(raw); {
		typ, n := raw[i], int(raw[i+1])
		i += 2
		if i+n > len(raw) {
			break
		}
		value := raw[i : i+n]
		i += n

		switch typ {
		case tlvSpecial:
			if n == 32 {
				pubkey = hex.EncodeToString(value)
			}
		case tlvRelay:
			relays = append(relays, string(value))
		}
	}
	if pubkey == "" {
		return "", nil, ErrInvalidKey
	}
	return pubkey, relays, nil
}

// EncodeNpub encodes a hex key as npub.
func EncodeNpub(pubkey string) (string, error) {
	raw, err := hex.DecodeString(pubkey)
	if err != nil || len(raw) != 32 {
		return "", ErrInvalidKey
	}
	data, err := convertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32Encode("npub", data), nil
}

func decodeEntity(wantHRP, s string) ([]byte, error) {
	hrp, data, err := bech32Decode(s)
	if err != nil {
		return nil, err
	}
	if hrp != wantHRP {
		return nil, ErrInvalidBech32
	}
	return convertBits(data, 5, 8, false)
}

// bech32Decode splits s into its human-readable part and 5-bit data with the
// checksum verified and removed.
func bech32Decode(s string) (string, []byte, error) {
	if len(s) < 8 || (strings.ToLower(s) != s && strings.ToUpper(s) != s) {
		return "", nil, ErrInvalidBech32
	}
	s = strings.ToLower(s)

	pos := strings.LastIndexByte(s, '1')
	if pos < 1 || pos+7 > len(s) {
		return "", nil, ErrInvalidBech32
	}
	hrp := s[:pos]

	values := make([]byte, 0, len(s)-pos-1)
	for _, c := range s[pos+1:] {
		idx := strings.IndexRune(bech32Charset, c)
		if idx < 0 {
			return "", nil, ErrInvalidBech32
		}
		values = append(values, byte(idx))
	}
	if polymod(append(hrpExpand(hrp), values...)) != 1 {
		return "", nil, ErrInvalidBech32
	}
	return hrp, values[:len(values)-6], nil
}

func bech32Encode(hrp string, data []byte) string {
	values := append(hrpExpand(hrp), data...)
	mod := polymod(append(values, 0, 0, 0, 0, 0, 0)) ^ 1

	var b strings.Builder
	b.WriteString(hrp)
	b.WriteByte('1')
	for _, v := range data {
		b.WriteByte(bech32Charset[v])
	}
	for i := 0; i < 6; i++ {
		b.WriteByte(bech32Charset[(mod>>(5*(5-i)))&31])
	}
	return b.String()
}

func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var (
		acc  uint
		bits uint
		out  []byte
	)
	maxv := uint(1)<<toBits - 1
	for _, v := range data {
		acc = acc<<fromBits | uint(v)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits)&maxv))
		}
	} else if bits >= fromBits || acc<<(toBits-bits)&maxv != 0 {
		return nil, ErrInvalidBech32
	}
	return out, nil
}

func polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if top>>i&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func hrpExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]&31)
	}
	return out
}
