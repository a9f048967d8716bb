// Package people owns the per-pubkey Person records: storage, merging of
// fetched events, and local petname/mute edits.
package people

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"nostr-peoplesync/internal/cache"
	"nostr-peoplesync/internal/types"
)

const keyPrefix = "person:"

const lockStripes = 256

// Store is the PersonStore. Records live in a CacheBackend as JSON; decoded
// copies are kept in an LRU so hot keys skip the backend round trip.
//
// Every access to a key holds that key's stripe lock, so a check followed by
// a write inside Modify can't interleave with another writer of the same key.
// Keys on other stripes proceed in parallel.
type Store struct {
	backend cache.CacheBackend
	ttl     time.Duration
	records *lru.Cache[string, types.Person]
	clock   clock.Clock
	log     *slog.Logger

	stripes [lockStripes]stripe
}

type stripe struct {
	mu sync.Mutex
	// writes counts saves on this stripe, guarded by mu
	writes uint64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for local edit timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithTTL sets the backend TTL of person records. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// NewStore creates a store over backend with an LRU of recordCacheSize decoded records.
func NewStore(backend cache.CacheBackend, recordCacheSize int, opts ...Option) (*Store, error) {
	if recordCacheSize <= 0 {
		recordCacheSize = 1
	}
	records, err := lru.New[string, types.Person](recordCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend: backend,
		records: records,
		clock:   clock.New(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns a copy of the record for pubkey. Unknown keys yield an empty
// record carrying only the pubkey.
func (s *Store) Get(pubkey string) types.Person {
	st := s.stripe(pubkey)
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.load(pubkey).Clone()
}

// GetMultiple returns copies of the records for each pubkey. Records missing
// from the LRU are read from the backend in one batch.
func (s *Store) GetMultiple(pubkeys []string) map[string]types.Person {
	result := make(map[string]types.Person, len(pubkeys))
	var (
		misses []string
		seenAt = make(map[string]uint64)
	)
	for _, pk := range pubkeys {
		if _, ok := seenAt[pk]; ok {
			continue
		}
		st := s.stripe(pk)
		st.mu.Lock()
		if p, ok := s.records.Get(pk); ok {
			result[pk] = p.Clone()
		} else {
			misses = append(misses, pk)
		}
		seenAt[pk] = st.writes
		st.mu.Unlock()
	}
	if len(misses) == 0 {
		return result
	}

	keys := make([]string, len(misses))
	for i, pk := range misses {
		keys[i] = keyPrefix + pk
	}
	found, err := s.backend.GetMultiple(context.Background(), keys)
	if err != nil {
		s.log.Warn("person store batch read failed", "keys", len(keys), "error", err)
		for _, pk := range misses {
			result[pk] = types.Person{Pubkey: pk}
		}
		return result
	}

	for _, pk := range misses {
		st := s.stripe(pk)
		st.mu.Lock()
		if st.writes != seenAt[pk] {
			// the batch may predate a write on this stripe
			result[pk] = s.load(pk).Clone()
		} else {
			data, ok := found[keyPrefix+pk]
			p := s.decode(pk, data, ok)
			s.records.Add(pk, p)
			result[pk] = p.Clone()
		}
		st.mu.Unlock()
	}
	return result
}

// Merge applies a partial record to pubkey's record and reports whether it changed.
func (s *Store) Merge(pubkey string, patch types.PersonPatch) bool {
	var changed bool
	s.Modify(pubkey, func(p *types.Person) bool {
		changed = p.Apply(patch)
		return changed
	})
	return changed
}

// Modify runs fn on the record for pubkey and persists it if fn returns true.
// fn runs inside the key's critical section and must not call back into the store.
// The returned value is the record after fn.
func (s *Store) Modify(pubkey string, fn func(p *types.Person) bool) types.Person {
	st := s.stripe(pubkey)
	st.mu.Lock()
	defer st.mu.Unlock()

	p := s.load(pubkey).Clone()
	if fn(&p) {
		p.Pubkey = pubkey
		s.save(p)
		st.writes++
	}
	return p.Clone()
}

// Now returns the store's current Unix time.
func (s *Store) Now() int64 {
	return s.clock.Now().Unix()
}

func (s *Store) stripe(pubkey string) *stripe {
	return &s.stripes[xxhash.Sum64String(pubkey)%lockStripes]
}

// load must be called with the key's stripe lock held.
func (s *Store) load(pubkey string) types.Person {
	if p, ok := s.records.Get(pubkey); ok {
		return p
	}

	data, found, err := s.backend.Get(context.Background(), keyPrefix+pubkey)
	if err != nil {
		s.log.Warn("person store read failed", "pubkey", pubkey, "error", err)
		return types.Person{Pubkey: pubkey}
	}
	p := s.decode(pubkey, data, found)
	s.records.Add(pubkey, p)
	return p
}

func (s *Store) decode(pubkey string, data []byte, found bool) types.Person {
	p := types.Person{Pubkey: pubkey}
	if !found {
		return p
	}
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Warn("person record corrupt, starting empty", "pubkey", pubkey, "error", err)
		return types.Person{Pubkey: pubkey}
	}
	p.Pubkey = pubkey
	return p
}

// save must be called with the key's stripe lock held.
func (s *Store) save(p types.Person) {
	s.records.Add(p.Pubkey, p)

	data, err := json.Marshal(p)
	if err != nil {
		s.log.Error("person record encode failed", "pubkey", p.Pubkey, "error", err)
		return
	}
	if err := s.backend.Set(context.Background(), keyPrefix+p.Pubkey, data, s.ttl); err != nil {
		s.log.Warn("person store write failed", "pubkey", p.Pubkey, "error", err)
	}
}
