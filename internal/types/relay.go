package types

// RelayEntry is one "r" tag of a NIP-65 relay list
type RelayEntry struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// RelayGroup represents a relay and the pubkeys to query there
type RelayGroup struct {
	RelayURL string
	Pubkeys  []string
}
