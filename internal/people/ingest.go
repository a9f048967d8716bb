package people

import (
	"encoding/json"
	"html"
	"log/slog"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"nostr-peoplesync/internal/metrics"
	"nostr-peoplesync/internal/nostr"
	"nostr-peoplesync/internal/types"
)

// Ingester merges fetched events into the store through Store.Merge. Each
// kind updates only its own fields and only when the event is newer than what
// the record holds, so replays and duplicate deliveries are no-ops.
type Ingester struct {
	store       *Store
	appDataKeys map[string]bool
	policy      *bluemonday.Policy
	log         *slog.Logger
}

// NewIngester creates an ingester that accepts kind 30078 documents only for appDataKeys.
func NewIngester(store *Store, appDataKeys []string) *Ingester {
	keys := make(map[string]bool, len(appDataKeys))
	for _, k := range appDataKeys {
		keys[k] = true
	}
	return &Ingester{
		store:       store,
		appDataKeys: keys,
		policy:      bluemonday.StrictPolicy(),
		log:         slog.Default(),
	}
}

// Ingest applies evt to its author's record and reports whether anything changed.
func (in *Ingester) Ingest(evt types.Event) bool {
	if !nostr.IsValidPubkey(evt.PubKey) {
		return false
	}

	var changed bool
	switch evt.Kind {
	case types.KindProfile:
		changed = in.applyProfile(evt)
	case types.KindRelayList:
		changed = in.applyRelayList(evt)
	case types.KindContacts:
		changed = in.applyPetnames(evt)
	case types.KindMuteList:
		changed = in.applyMutes(evt)
	case types.KindAppData:
		changed = in.applyAppData(evt)
	default:
		return false
	}

	metrics.EventsIngested.WithLabelValues(kindLabel(evt.Kind), outcomeLabel(changed)).Inc()
	return changed
}

func (in *Ingester) applyProfile(evt types.Event) bool {
	profile, ok := in.parseProfile(evt.Content)
	if !ok {
		in.log.Debug("ignoring unparseable profile", "pubkey", nostr.ShortID(evt.PubKey), "event_id", nostr.ShortID(evt.ID))
		return false
	}

	return in.store.Merge(evt.PubKey, types.PersonPatch{
		Profile:          profile,
		ProfileUpdatedAt: &evt.CreatedAt,
	})
}

// parseProfile reads kind 0 content. Text fields are stripped of markup since
// they come straight from untrusted events; link fields must be http(s).
func (in *Ingester) parseProfile(content string) (*types.ProfileInfo, bool) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return nil, false
	}

	text := func(key string) string {
		s, _ := data[key].(string)
		return strings.TrimSpace(html.UnescapeString(in.policy.Sanitize(s)))
	}
	link := func(key string) string {
		s, _ := data[key].(string)
		s = strings.TrimSpace(s)
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ""
		}
		return s
	}

	profile := &types.ProfileInfo{
		Name:        text("name"),
		DisplayName: text("display_name"),
		About:       text("about"),
		Nip05:       text("nip05"),
		Lud16:       text("lud16"),
		Lud06:       text("lud06"),
		Picture:     link("picture"),
		Banner:      link("banner"),
		Website:     link("website"),
	}
	if profile.DisplayName == "" {
		// older clients used "displayName"
		profile.DisplayName = text("displayName")
	}
	return profile, true
}

func (in *Ingester) applyRelayList(evt types.Event) bool {
	return in.store.Merge(evt.PubKey, types.PersonPatch{
		Relays:          ParseRelayList(evt.Tags),
		RelaysUpdatedAt: &evt.CreatedAt,
	})
}

// ParseRelayList reads NIP-65 "r" tags. A tag without a marker means both read and write.
func ParseRelayList(tags [][]string) []types.RelayEntry {
	relays := []types.RelayEntry{}
	index := make(map[string]int)

	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		relayURL := nostr.NormalizeRelayURL(tag[1])
		if relayURL == "" {
			continue
		}

		marker := ""
		if len(tag) >= 3 {
			marker = tag[2]
		}
		entry := types.RelayEntry{URL: relayURL}
		switch marker {
		case "read":
			entry.Read = true
		case "write":
			entry.Write = true
		default:
			entry.Read = true
			entry.Write = true
		}

		if i, ok := index[relayURL]; ok {
			relays[i].Read = relays[i].Read || entry.Read
			relays[i].Write = relays[i].Write || entry.Write
			continue
		}
		index[relayURL] = len(relays)
		relays = append(relays, entry)
	}
	return relays
}

func (in *Ingester) applyPetnames(evt types.Event) bool {
	return in.store.Merge(evt.PubKey, types.PersonPatch{
		Petnames:          referenceTags(evt.Tags, 0),
		PetnamesUpdatedAt: &evt.CreatedAt,
	})
}

func (in *Ingester) applyMutes(evt types.Event) bool {
	return in.store.Merge(evt.PubKey, types.PersonPatch{
		Mutes:          referenceTags(evt.Tags, 2),
		MutesUpdatedAt: &evt.CreatedAt,
	})
}

// referenceTags keeps tags that carry a value, truncated to width elements when width > 0.
func referenceTags(tags [][]string, width int) [][]string {
	out := [][]string{}
	for _, tag := range tags {
		if len(tag) < 2 || tag[1] == "" {
			continue
		}
		if width > 0 && len(tag) > width {
			tag = tag[:width]
		}
		out = append(out, append([]string(nil), tag...))
	}
	return out
}

func (in *Ingester) applyAppData(evt types.Event) bool {
	d := evt.TagValue("d")
	if !in.appDataKeys[d] {
		return false
	}
	return in.store.Merge(evt.PubKey, types.PersonPatch{
		AppData: map[string]types.AppDataEntry{d: {Content: evt.Content, CreatedAt: evt.CreatedAt}},
	})
}

func kindLabel(kind int) string {
	switch kind {
	case types.KindProfile:
		return "profile"
	case types.KindRelayList:
		return "relays"
	case types.KindContacts:
		return "petnames"
	case types.KindMuteList:
		return "mutes"
	case types.KindAppData:
		return "app_data"
	}
	return "other"
}

func outcomeLabel(changed bool) string {
	if changed {
		return "applied"
	}
	return "ignored"
}
