package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nostr-peoplesync/internal/cache"
	"nostr-peoplesync/internal/nostr/nostrtest"
	"nostr-peoplesync/internal/types"
)

type collector struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *collector) add(evt types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.events))
	for _, e := range c.events {
		ids = append(ids, e.ID)
	}
	return ids
}

func newTestLoader(t *testing.T, opts ...LoaderOption) *Loader {
	t.Helper()
	pool := NewPool(WithDialRetries(1))
	t.Cleanup(func() { pool.Close() })
	opts = append([]LoaderOption{WithRelayTimeout(2 * time.Second)}, opts...)
	return NewLoader(pool, opts...)
}

func profileEvent(k nostrtest.Keypair, createdAt int64, content string) types.Event {
	return k.Sign(types.Event{Kind: types.KindProfile, CreatedAt: createdAt, Content: content})
}

func TestLoaderDeliversMatchingEvents(t *testing.T) {
	alice := profileEvent(nostrtest.Alice, 100, `{"name":"alice"}`)
	bob := profileEvent(nostrtest.Bob, 100, `{"name":"bob"}`)
	relay := newFakeRelay(t, alice, bob)

	var got collector
	err := newTestLoader(t).Run(context.Background(), types.LoadRequest{
		Relays:  []string{relay.URL()},
		Filters: []types.Filter{{Authors: []string{nostrtest.Alice.Pubkey}, Kinds: []int{types.KindProfile}}},
		OnEvent: got.add,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ID}, got.ids())
}

func TestLoaderDropsForgedAndUnrequestedEvents(t *testing.T) {
	alice := profileEvent(nostrtest.Alice, 100, `{"name":"alice"}`)
	forged := alice
	forged.Content = `{"name":"mallory"}`
	unrequested := profileEvent(nostrtest.Bob, 100, `{"name":"bob"}`)

	relay := newFakeRelay(t)
	relay.junk = []types.Event{forged, unrequested, alice}

	var got collector
	err := newTestLoader(t).Run(context.Background(), types.LoadRequest{
		Relays:  []string{relay.URL()},
		Filters: []types.Filter{{Authors: []string{nostrtest.Alice.Pubkey}, Kinds: []int{types.KindProfile}}},
		OnEvent: got.add,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ID}, got.ids())
}

func TestLoaderMultipleFilters(t *testing.T) {
	profile := profileEvent(nostrtest.Alice, 100, `{}`)
	settings := nostrtest.Alice.Sign(types.Event{
		Kind: types.KindAppData, CreatedAt: 100,
		Tags: [][]string{{"d", types.AppDataKeys[0]}},
	})
	foreign := nostrtest.Alice.Sign(types.Event{
		Kind: types.KindAppData, CreatedAt: 100,
		Tags: [][]string{{"d", "other-app/settings"}},
	})
	relay := newFakeRelay(t, profile, settings, foreign)

	var got collector
	err := newTestLoader(t).Run(context.Background(), types.LoadRequest{
		Relays: []string{relay.URL()},
		Filters: []types.Filter{
			{Authors: []string{nostrtest.Alice.Pubkey}, Kinds: []int{types.KindProfile}},
			{Authors: []string{nostrtest.Alice.Pubkey}, Kinds: []int{types.KindAppData}, DTags: types.AppDataKeys},
		},
		OnEvent: got.add,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{profile.ID, settings.ID}, got.ids())
}

func TestLoaderAggregatesRelayFailures(t *testing.T) {
	alice := profileEvent(nostrtest.Alice, 100, `{"name":"alice"}`)
	good := newFakeRelay(t, alice)

	closing := newFakeRelay(t)
	closing.closeReason = "blocked: not today"

	gone := newFakeRelay(t)
	goneURL := gone.URL()
	gone.srv.Close()

	var got collector
	err := newTestLoader(t).Run(context.Background(), types.LoadRequest{
		Relays:  []string{good.URL(), closing.URL(), goneURL},
		Filters: []types.Filter{{Authors: []string{nostrtest.Alice.Pubkey}}},
		OnEvent: got.add,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubscriptionClosed))
	assert.True(t, errors.Is(err, ErrConnectFailed))
	assert.Contains(t, err.Error(), "not today")
	assert.Equal(t, []string{alice.ID}, got.ids())
}

func TestLoaderRelayTimeout(t *testing.T) {
	alice := profileEvent(nostrtest.Alice, 100, `{}`)
	relay := newFakeRelay(t, alice)
	relay.silent = true

	var got collector
	start := time.Now()
	err := newTestLoader(t, WithRelayTimeout(150*time.Millisecond)).Run(context.Background(), types.LoadRequest{
		Relays:  []string{relay.URL()},
		Filters: []types.Filter{{Authors: []string{nostrtest.Alice.Pubkey}}},
		OnEvent: got.add,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
	// events sent before the timeout still count
	assert.Equal(t, []string{alice.ID}, got.ids())
}

func TestLoaderResponseCache(t *testing.T) {
	alice := profileEvent(nostrtest.Alice, 100, `{}`)
	relay := newFakeRelay(t, alice)

	backend := cache.NewMemoryCache(0, time.Minute)
	defer backend.Close()
	loader := newTestLoader(t, WithResponseCache(backend, time.Minute))

	req := types.LoadRequest{
		Relays:  []string{relay.URL()},
		Filters: []types.Filter{{Authors: []string{nostrtest.Alice.Pubkey}}},
	}

	for i := 0; i < 2; i++ {
		var got collector
		req.OnEvent = got.add
		require.NoError(t, loader.Run(context.Background(), req))
		assert.Equal(t, []string{alice.ID}, got.ids())
	}
	assert.Equal(t, int32(1), relay.reqs.Load())

	req.SkipCache = true
	require.NoError(t, loader.Run(context.Background(), req))
	assert.Equal(t, int32(2), relay.reqs.Load())
}

func TestLoaderEmptyRequest(t *testing.T) {
	loader := newTestLoader(t)
	require.NoError(t, loader.Run(context.Background(), types.LoadRequest{}))
	require.NoError(t, loader.Run(context.Background(), types.LoadRequest{Relays: []string{"wss://relay.example"}}))
}
