package peoplesync

import (
	"time"

	"github.com/benbjohnson/clock"

	"nostr-peoplesync/internal/metrics"
	"nostr-peoplesync/internal/nostr"
	"nostr-peoplesync/internal/types"
)

const (
	// DefaultDataGrace is how long data already on hand is considered fresh.
	DefaultDataGrace = time.Hour
	// DefaultPendingGrace is how long a fetch of a key with no data blocks
	// another fetch of the same key.
	DefaultPendingGrace = 3 * time.Second
)

// Gate decides which keys are worth fetching now. Selecting a key stamps it,
// so the gate doubles as a per-key, per-kind in-flight lock that expires on
// its own after the grace period.
type Gate struct {
	store        PersonStore
	clock        clock.Clock
	dataGrace    time.Duration
	pendingGrace time.Duration
}

// NewGate creates a gate over store. Zero graces fall back to the defaults.
func NewGate(store PersonStore, clk clock.Clock, dataGrace, pendingGrace time.Duration) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	if dataGrace <= 0 {
		dataGrace = DefaultDataGrace
	}
	if pendingGrace <= 0 {
		pendingGrace = DefaultPendingGrace
	}
	return &Gate{store: store, clock: clk, dataGrace: dataGrace, pendingGrace: pendingGrace}
}

// SelectStale returns the distinct, well-formed keys of pubkeys that are due
// for a fetch of kind, in first-seen order, and stamps each one with the
// current time. Malformed keys are dropped.
func (g *Gate) SelectStale(pubkeys []string, kind types.DataKind, force bool) []string {
	now := g.clock.Now().Unix()
	stale := make([]string, 0, len(pubkeys))
	seen := make(map[string]bool, len(pubkeys))

	for _, pk := range pubkeys {
		if !nostr.IsValidPubkey(pk) {
			metrics.InvalidPubkeys.Inc()
			continue
		}
		if seen[pk] {
			continue
		}
		seen[pk] = true

		var selected bool
		g.store.Modify(pk, func(p *types.Person) bool {
			if !force && !g.isStale(p, kind, now) {
				return false
			}
			p.SetFetchedAt(kind, now)
			selected = true
			return true
		})

		if selected {
			stale = append(stale, pk)
		} else {
			metrics.KeysSkipped.WithLabelValues(string(kind)).Inc()
		}
	}

	metrics.KeysSelected.WithLabelValues(string(kind)).Add(float64(len(stale)))
	return stale
}

func (g *Gate) isStale(p *types.Person, kind types.DataKind, now int64) bool {
	stamp := p.FetchedAt(kind)
	if stamp == 0 {
		return true
	}
	grace := g.pendingGrace
	if p.HasData(kind) {
		grace = g.dataGrace
	}
	return time.Duration(now-stamp)*time.Second > grace
}
