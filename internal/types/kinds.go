package types

// Event kinds this service reads
const (
	KindProfile   = 0
	KindRecommend = 2
	KindContacts  = 3
	KindMuteList  = 10000
	KindRelayList = 10002
	KindAppData   = 30078
)

// PersonKinds is the default set of kinds describing a person.
// KindAppData is only fetched when a caller asks for it.
var PersonKinds = []int{KindProfile, KindRecommend, KindContacts, KindMuteList, KindRelayList}

// AppDataKeys are the d-tag identifiers of application data documents we own.
// Kind 30078 is only ever queried scoped to these.
var AppDataKeys = []string{
	"nostr-engine/User/settings/v1",
	"nostr-engine/Nip04/last_checked/v1",
	"nostr-engine/Nip24/last_checked/v1",
	"nostr-engine/Nip28/last_checked/v1",
	"nostr-engine/Nip28/rooms_joined/v1",
}

// DataKind names a piece of person metadata that is fetched and stamped independently.
type DataKind string

const (
	DataProfile DataKind = "profile"
	DataRelays  DataKind = "relays"
)
