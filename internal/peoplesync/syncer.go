// Package peoplesync keeps person metadata (profiles and relay lists) fresh.
// It decides which keys are stale, asks the indexer relays and each key's own
// relays for them in parallel, and merges what comes back into the store.
package peoplesync

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"nostr-peoplesync/internal/metrics"
	"nostr-peoplesync/internal/nostr"
	"nostr-peoplesync/internal/types"
	"nostr-peoplesync/internal/util"
)

// RelaySelector chooses where to look for keys.
type RelaySelector interface {
	// Indexers returns override if it is usable, else the default indexer set.
	Indexers(override []string) []string
	// SelectionsForKeys groups keys by relays likely to hold their data.
	SelectionsForKeys(pubkeys []string) []types.RelayGroup
}

// Loader executes one request against a set of relays. OnEvent may be called
// concurrently and is never called after Run returns.
type Loader interface {
	Run(ctx context.Context, req types.LoadRequest) error
}

// PersonStore holds the per-key records. Modify must run fn and the write it
// implies without interleaving with other writers of the same key. Fetched
// events reach the store through the EventSink, not through this interface.
type PersonStore interface {
	Modify(pubkey string, fn func(p *types.Person) bool) types.Person
}

// EventSink merges fetched events into the store.
type EventSink interface {
	Ingest(evt types.Event) bool
}

// Options tune one sync call.
type Options struct {
	// Force skips the freshness check. Keys are still deduplicated and stamped.
	Force bool
	// Kinds overrides the event kinds fetched by a profile sync.
	Kinds []int
	// Relays overrides the indexer relays for the broad request.
	Relays []string
}

// Report lists the keys each half of SyncAll actually fetched.
type Report struct {
	Profiles   []string `json:"profiles"`
	RelayLists []string `json:"relay_lists"`
}

// Config holds the Syncer's tunables.
type Config struct {
	DataGrace    time.Duration
	PendingGrace time.Duration
	// AppDataKeys scope every kind 30078 request. Defaults to types.AppDataKeys.
	AppDataKeys []string
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Syncer runs profile and relay-list syncs.
type Syncer struct {
	gate        *Gate
	selector    RelaySelector
	loader      Loader
	sink        EventSink
	appDataKeys []string
	log         *slog.Logger
}

// New wires a Syncer. Every collaborator is required.
func New(store PersonStore, selector RelaySelector, loader Loader, sink EventSink, cfg Config) *Syncer {
	appDataKeys := cfg.AppDataKeys
	if len(appDataKeys) == 0 {
		appDataKeys = types.AppDataKeys
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		gate:        NewGate(store, cfg.Clock, cfg.DataGrace, cfg.PendingGrace),
		selector:    selector,
		loader:      loader,
		sink:        sink,
		appDataKeys: slices.Clone(appDataKeys),
		log:         log,
	}
}

// Gate exposes the staleness gate the syncer stamps keys with.
func (s *Syncer) Gate() *Gate { return s.gate }

// SyncAll refreshes relay lists and profiles for pubkeys concurrently and
// returns once both have settled.
func (s *Syncer) SyncAll(ctx context.Context, pubkeys []string, opts Options) Report {
	var (
		wg     sync.WaitGroup
		report Report
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		report.RelayLists = s.SyncRelayLists(ctx, pubkeys, opts)
	}()
	go func() {
		defer wg.Done()
		report.Profiles = s.SyncProfiles(ctx, pubkeys, opts)
	}()
	wg.Wait()
	return report
}

// SyncProfiles fetches profile-related kinds for the stale subset of pubkeys
// and returns that subset once every request has settled.
func (s *Syncer) SyncProfiles(ctx context.Context, pubkeys []string, opts Options) []string {
	start := time.Now()
	stale := s.gate.SelectStale(pubkeys, types.DataProfile, opts.Force)
	if len(stale) == 0 {
		return stale
	}
	defer observe(types.DataProfile, start)

	filters := s.profileFilters(opts.Kinds)
	if len(filters) == 0 {
		return stale
	}

	var wg sync.WaitGroup
	s.fanOut(ctx, &wg, types.DataProfile, stale, filters, opts.Relays, s.ingest)
	wg.Wait()
	return stale
}

// SyncRelayLists fetches NIP-65 relay lists for the stale subset of pubkeys.
// Every relay list received starts a profile sync for its author, which may
// be a key outside the batch. SyncRelayLists returns once its own requests
// and those profile syncs have settled.
func (s *Syncer) SyncRelayLists(ctx context.Context, pubkeys []string, opts Options) []string {
	start := time.Now()
	stale := s.gate.SelectStale(pubkeys, types.DataRelays, opts.Force)
	if len(stale) == 0 {
		return stale
	}
	defer observe(types.DataRelays, start)

	filters := []types.Filter{{Kinds: []int{types.KindRelayList}}}

	// the counter is always positive while callbacks run, since each one
	// runs inside a request task, so Add here never races with Wait
	var wg sync.WaitGroup
	onEvent := func(evt types.Event) {
		s.ingest(evt)
		if evt.Kind != types.KindRelayList {
			return
		}
		wg.Add(1)
		go func(pubkey string) {
			defer wg.Done()
			// SyncProfiles never spawns, so this stays one level deep
			s.SyncProfiles(ctx, []string{pubkey}, Options{})
		}(evt.PubKey)
	}

	s.fanOut(ctx, &wg, types.DataRelays, stale, filters, opts.Relays, onEvent)
	wg.Wait()
	return stale
}

// profileFilters builds the profile request. Relay lists have their own sync
// and app data is only ever asked for under our own d identifiers.
func (s *Syncer) profileFilters(kinds []int) []types.Filter {
	if len(kinds) == 0 {
		kinds = types.PersonKinds
	}
	kinds = util.Without(util.Dedupe(kinds), types.KindRelayList)

	var filters []types.Filter
	if base := util.Without(kinds, types.KindAppData); len(base) > 0 {
		filters = append(filters, types.Filter{Kinds: base})
	}
	if slices.Contains(kinds, types.KindAppData) {
		filters = append(filters, types.Filter{
			Kinds: []int{types.KindAppData},
			DTags: slices.Clone(s.appDataKeys),
		})
	}
	return filters
}

// fanOut starts one broad request to the indexers for all keys and one
// targeted request per relay selection. Tasks are added to wg.
func (s *Syncer) fanOut(ctx context.Context, wg *sync.WaitGroup, kind types.DataKind, stale []string, filters []types.Filter, override []string, onEvent func(types.Event)) {
	run := func(relays, keys []string) {
		req := types.LoadRequest{
			Relays:    relays,
			Filters:   withAuthors(filters, keys),
			SkipCache: true,
			OnEvent:   onEvent,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.loader.Run(ctx, req); err != nil {
				metrics.RelayFailures.WithLabelValues(string(kind)).Inc()
				s.log.Debug("sync request had relay failures",
					"kind", kind,
					"relays", len(relays),
					"keys", len(keys),
					"failures", len(multierr.Errors(err)),
					"error", err)
			}
		}()
	}

	if indexers := s.selector.Indexers(override); len(indexers) > 0 {
		run(indexers, stale)
	}
	for _, group := range s.selector.SelectionsForKeys(stale) {
		if len(group.Pubkeys) == 0 {
			continue
		}
		run([]string{group.RelayURL}, group.Pubkeys)
	}

	s.log.Debug("sync fan-out started", "kind", kind, "keys", len(stale), "first", nostr.ShortID(stale[0]))
}

func (s *Syncer) ingest(evt types.Event) {
	s.sink.Ingest(evt)
}

func withAuthors(filters []types.Filter, authors []string) []types.Filter {
	out := make([]types.Filter, len(filters))
	for i, f := range filters {
		out[i] = f.WithAuthors(authors)
	}
	return out
}

func observe(kind types.DataKind, start time.Time) {
	metrics.SyncDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
}
