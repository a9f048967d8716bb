package types

import "slices"

// ProfileInfo contains user profile metadata (kind 0)
type ProfileInfo struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Lud06       string `json:"lud06,omitempty"`
	Website     string `json:"website,omitempty"`
}

// AppDataEntry is one kind 30078 document, stored as received.
type AppDataEntry struct {
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Person is everything known locally about one pubkey.
//
// The *UpdatedAt fields hold the created_at of the event each field was
// taken from. The *FetchedAt fields record when a fetch was last started,
// whether or not it produced anything; 0 means never.
type Person struct {
	Pubkey string `json:"pubkey"`

	Profile          *ProfileInfo `json:"profile,omitempty"`
	ProfileUpdatedAt int64        `json:"profile_updated_at,omitempty"`

	Relays          []RelayEntry `json:"relays,omitempty"`
	RelaysUpdatedAt int64        `json:"relays_updated_at,omitempty"`

	Petnames          [][]string `json:"petnames,omitempty"`
	PetnamesUpdatedAt int64      `json:"petnames_updated_at,omitempty"`

	Mutes          [][]string `json:"mutes,omitempty"`
	MutesUpdatedAt int64      `json:"mutes_updated_at,omitempty"`

	AppData map[string]AppDataEntry `json:"app_data,omitempty"`

	ProfileFetchedAt int64 `json:"profile_fetched_at,omitempty"`
	RelaysFetchedAt  int64 `json:"relays_fetched_at,omitempty"`
}

// HasData reports whether the record already holds data for the kind.
func (p Person) HasData(kind DataKind) bool {
	switch kind {
	case DataProfile:
		return p.Profile != nil
	case DataRelays:
		return p.Relays != nil || p.RelaysUpdatedAt > 0
	}
	return false
}

// FetchedAt returns the fetch stamp for the kind.
func (p Person) FetchedAt(kind DataKind) int64 {
	switch kind {
	case DataProfile:
		return p.ProfileFetchedAt
	case DataRelays:
		return p.RelaysFetchedAt
	}
	return 0
}

// SetFetchedAt writes the fetch stamp for the kind.
func (p *Person) SetFetchedAt(kind DataKind, ts int64) {
	switch kind {
	case DataProfile:
		p.ProfileFetchedAt = ts
	case DataRelays:
		p.RelaysFetchedAt = ts
	}
}

// WriteRelays returns the URLs the person publishes to (NIP-65 outbox).
func (p Person) WriteRelays() []string {
	var out []string
	for _, r := range p.Relays {
		if r.Write {
			out = append(out, r.URL)
		}
	}
	return out
}

// Clone returns a deep copy so callers can't mutate stored state.
func (p Person) Clone() Person {
	if p.Profile != nil {
		profile := *p.Profile
		p.Profile = &profile
	}
	p.Relays = slices.Clone(p.Relays)
	p.Petnames = cloneTags(p.Petnames)
	p.Mutes = cloneTags(p.Mutes)
	if p.AppData != nil {
		appData := make(map[string]AppDataEntry, len(p.AppData))
		for k, v := range p.AppData {
			appData[k] = v
		}
		p.AppData = appData
	}
	return p
}

func cloneTags(tags [][]string) [][]string {
	if tags == nil {
		return nil
	}
	out := make([][]string, len(tags))
	for i, t := range tags {
		out[i] = slices.Clone(t)
	}
	return out
}

// PersonPatch is a partial Person for merges. Nil fields are left untouched.
// A data field sent with its *UpdatedAt is only applied when that is newer
// than what the record holds; without one it is applied as is.
type PersonPatch struct {
	Profile          *ProfileInfo
	ProfileUpdatedAt *int64

	Relays          []RelayEntry
	RelaysUpdatedAt *int64

	Petnames          [][]string
	PetnamesUpdatedAt *int64

	Mutes          [][]string
	MutesUpdatedAt *int64

	// AppData entries replace stored ones with an older CreatedAt.
	AppData map[string]AppDataEntry

	ProfileFetchedAt *int64
	RelaysFetchedAt  *int64
}

// Apply merges the patch into p and reports whether p changed. Replaying a
// patch is a no-op.
func (p *Person) Apply(patch PersonPatch) bool {
	var changed bool

	if patch.Profile != nil && (p.Profile == nil || newer(patch.ProfileUpdatedAt, p.ProfileUpdatedAt)) {
		profile := *patch.Profile
		p.Profile = &profile
		setUpdated(&p.ProfileUpdatedAt, patch.ProfileUpdatedAt)
		changed = true
	}
	if patch.Relays != nil && (p.RelaysUpdatedAt == 0 || newer(patch.RelaysUpdatedAt, p.RelaysUpdatedAt)) {
		p.Relays = slices.Clone(patch.Relays)
		setUpdated(&p.RelaysUpdatedAt, patch.RelaysUpdatedAt)
		changed = true
	}
	if patch.Petnames != nil && (p.PetnamesUpdatedAt == 0 || newer(patch.PetnamesUpdatedAt, p.PetnamesUpdatedAt)) {
		p.Petnames = cloneTags(patch.Petnames)
		setUpdated(&p.PetnamesUpdatedAt, patch.PetnamesUpdatedAt)
		changed = true
	}
	if patch.Mutes != nil && (p.MutesUpdatedAt == 0 || newer(patch.MutesUpdatedAt, p.MutesUpdatedAt)) {
		p.Mutes = cloneTags(patch.Mutes)
		setUpdated(&p.MutesUpdatedAt, patch.MutesUpdatedAt)
		changed = true
	}
	for k, v := range patch.AppData {
		if existing, ok := p.AppData[k]; ok && v.CreatedAt <= existing.CreatedAt {
			continue
		}
		if p.AppData == nil {
			p.AppData = make(map[string]AppDataEntry, len(patch.AppData))
		}
		p.AppData[k] = v
		changed = true
	}
	if patch.ProfileFetchedAt != nil && *patch.ProfileFetchedAt != p.ProfileFetchedAt {
		p.ProfileFetchedAt = *patch.ProfileFetchedAt
		changed = true
	}
	if patch.RelaysFetchedAt != nil && *patch.RelaysFetchedAt != p.RelaysFetchedAt {
		p.RelaysFetchedAt = *patch.RelaysFetchedAt
		changed = true
	}
	return changed
}

// newer reports whether a patch timestamp wins over the stored one. A patch
// without a timestamp always wins.
func newer(patchAt *int64, storedAt int64) bool {
	return patchAt == nil || *patchAt > storedAt
}

func setUpdated(dst *int64, patchAt *int64) {
	if patchAt != nil {
		*dst = *patchAt
	}
}
