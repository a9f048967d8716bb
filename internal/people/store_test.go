package people

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-peoplesync/internal/cache"
	"nostr-peoplesync/internal/types"
)

const (
	alice = "bbde6a0e8847bcd2ea1a37e4a0ea33c0a2e77ee4e5e9e4e8f3a8ef0f38c2f1a0"
	bob   = "f9308a019258c31049344f85f89d5229b531c845836f99b08601f113bce036f9"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, cache.CacheBackend) {
	t.Helper()
	backend := cache.NewMemoryCache(0, time.Minute)
	t.Cleanup(func() { backend.Close() })

	s, err := NewStore(backend, 16, opts...)
	require.NoError(t, err)
	return s, backend
}

func TestStoreGetUnknown(t *testing.T) {
	s, _ := newTestStore(t)

	p := s.Get(alice)
	assert.Equal(t, alice, p.Pubkey)
	assert.Nil(t, p.Profile)
	assert.Zero(t, p.ProfileFetchedAt)
}

func TestStoreModifyPersists(t *testing.T) {
	s, backend := newTestStore(t)

	got := s.Modify(alice, func(p *types.Person) bool {
		p.ProfileFetchedAt = 100
		return true
	})
	assert.Equal(t, int64(100), got.ProfileFetchedAt)

	data, found, err := backend.Get(context.Background(), "person:"+alice)
	require.NoError(t, err)
	require.True(t, found)

	var stored types.Person
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, int64(100), stored.ProfileFetchedAt)
	assert.Equal(t, alice, stored.Pubkey)
}

func TestStoreModifyDiscardsWhenFalse(t *testing.T) {
	s, backend := newTestStore(t)

	s.Modify(alice, func(p *types.Person) bool {
		p.ProfileFetchedAt = 100
		return false
	})

	assert.Zero(t, s.Get(alice).ProfileFetchedAt)
	_, found, _ := backend.Get(context.Background(), "person:"+alice)
	assert.False(t, found)
}

func TestStoreReadsThroughBackend(t *testing.T) {
	backend := cache.NewMemoryCache(0, time.Minute)
	defer backend.Close()

	first, err := NewStore(backend, 4)
	require.NoError(t, err)
	first.Merge(alice, types.PersonPatch{Profile: &types.ProfileInfo{Name: "alice"}})

	// a second store over the same backend starts with a cold LRU
	second, err := NewStore(backend, 4)
	require.NoError(t, err)
	p := second.Get(alice)
	require.NotNil(t, p.Profile)
	assert.Equal(t, "alice", p.Profile.Name)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	s.Merge(alice, types.PersonPatch{Mutes: [][]string{{"p", bob}}})

	p := s.Get(alice)
	p.Mutes[0][1] = "changed"

	assert.Equal(t, bob, s.Get(alice).Mutes[0][1])
}

func TestStoreGetMultiple(t *testing.T) {
	s, _ := newTestStore(t)
	s.Merge(alice, types.PersonPatch{Profile: &types.ProfileInfo{Name: "alice"}})

	got := s.GetMultiple([]string{alice, bob})
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[alice].Profile.Name)
	assert.Nil(t, got[bob].Profile)
}

func TestStoreNowUsesClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	s, _ := newTestStore(t, WithClock(mock))

	assert.Equal(t, int64(1700000000), s.Now())
	mock.Add(time.Minute)
	assert.Equal(t, int64(1700000060), s.Now())
}

// countingBackend counts backend reads and can hold writes of one key.
type countingBackend struct {
	*cache.MemoryCache

	gets  atomic.Int32
	mgets atomic.Int32

	holdKey  string
	entered  chan struct{}
	release  chan struct{}
	holdOnce sync.Once
}

func newCountingBackend(t *testing.T) *countingBackend {
	t.Helper()
	b := &countingBackend{MemoryCache: cache.NewMemoryCache(0, time.Minute)}
	t.Cleanup(func() { b.MemoryCache.Close() })
	return b
}

func (b *countingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.gets.Add(1)
	return b.MemoryCache.Get(ctx, key)
}

func (b *countingBackend) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	b.mgets.Add(1)
	return b.MemoryCache.GetMultiple(ctx, keys)
}

func (b *countingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if b.holdKey != "" && key == b.holdKey {
		b.holdOnce.Do(func() {
			close(b.entered)
			<-b.release
		})
	}
	return b.MemoryCache.Set(ctx, key, value, ttl)
}

func TestStoreGetMultipleBatchesMisses(t *testing.T) {
	backend := newCountingBackend(t)
	seed, err := NewStore(backend, 8)
	require.NoError(t, err)
	seed.Merge(alice, types.PersonPatch{Profile: &types.ProfileInfo{Name: "alice"}})
	seed.Merge(bob, types.PersonPatch{Profile: &types.ProfileInfo{Name: "bob"}})

	s, err := NewStore(backend, 8)
	require.NoError(t, err)
	backend.gets.Store(0)

	carol := "0000000000000000000000000000000000000000000000000000000000000003"
	got := s.GetMultiple([]string{alice, bob, carol, alice})
	require.Len(t, got, 3)
	assert.Equal(t, "alice", got[alice].Profile.Name)
	assert.Equal(t, "bob", got[bob].Profile.Name)
	assert.Equal(t, carol, got[carol].Pubkey)
	assert.Nil(t, got[carol].Profile)
	assert.Equal(t, int32(1), backend.mgets.Load())
	assert.Zero(t, backend.gets.Load())

	// now everything is in the LRU
	s.GetMultiple([]string{alice, bob, carol})
	assert.Equal(t, int32(1), backend.mgets.Load())
	assert.Zero(t, backend.gets.Load())
}

func TestStoreModifyDoesNotBlockOtherKeys(t *testing.T) {
	backend := newCountingBackend(t)
	s, err := NewStore(backend, 8)
	require.NoError(t, err)

	other := bob
	for i := 0; s.stripe(other) == s.stripe(alice); i++ {
		other = fmt.Sprintf("%064x", i)
	}

	backend.holdKey = keyPrefix + alice
	backend.entered = make(chan struct{})
	backend.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Modify(alice, func(p *types.Person) bool {
			p.ProfileFetchedAt = 1
			return true
		})
	}()
	<-backend.entered

	// alice's write is stuck in the backend; other keys still go through
	p := s.Modify(other, func(p *types.Person) bool {
		p.ProfileFetchedAt = 2
		return true
	})
	assert.Equal(t, int64(2), p.ProfileFetchedAt)

	close(backend.release)
	<-done
	assert.Equal(t, int64(1), s.Get(alice).ProfileFetchedAt)
}

func TestStoreMergeLastWriteWins(t *testing.T) {
	s, _ := newTestStore(t)
	at := func(ts int64) *int64 { return &ts }

	assert.True(t, s.Merge(alice, types.PersonPatch{Profile: &types.ProfileInfo{Name: "v10"}, ProfileUpdatedAt: at(10)}))
	assert.False(t, s.Merge(alice, types.PersonPatch{Profile: &types.ProfileInfo{Name: "v10"}, ProfileUpdatedAt: at(10)}))
	assert.False(t, s.Merge(alice, types.PersonPatch{Profile: &types.ProfileInfo{Name: "v5"}, ProfileUpdatedAt: at(5)}))
	assert.Equal(t, "v10", s.Get(alice).Profile.Name)

	assert.True(t, s.Merge(alice, types.PersonPatch{Profile: &types.ProfileInfo{Name: "v20"}, ProfileUpdatedAt: at(20)}))
	p := s.Get(alice)
	assert.Equal(t, "v20", p.Profile.Name)
	assert.Equal(t, int64(20), p.ProfileUpdatedAt)

	d := "nostr-engine/User/settings/v1"
	assert.True(t, s.Merge(alice, types.PersonPatch{AppData: map[string]types.AppDataEntry{d: {Content: "new", CreatedAt: 7}}}))
	assert.False(t, s.Merge(alice, types.PersonPatch{AppData: map[string]types.AppDataEntry{d: {Content: "old", CreatedAt: 3}}}))
	assert.Equal(t, "new", s.Get(alice).AppData[d].Content)
}
