package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"nostr-peoplesync/internal/cache"
	"nostr-peoplesync/internal/metrics"
	"nostr-peoplesync/internal/types"
	"nostr-peoplesync/internal/util"
)

const defaultRelayTimeout = 5 * time.Second

// Loader runs a LoadRequest against every listed relay in parallel. Each relay
// gets its own timeout; one slow or failing relay never holds up the others
// beyond that.
type Loader struct {
	pool     *Pool
	timeout  time.Duration
	cache    cache.CacheBackend
	cacheTTL time.Duration
	log      *slog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithRelayTimeout bounds how long one relay may take to reach EOSE.
func WithRelayTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.timeout = d }
}

// WithResponseCache stores each relay's complete response for ttl. Requests
// with SkipCache set never read from it.
func WithResponseCache(backend cache.CacheBackend, ttl time.Duration) LoaderOption {
	return func(l *Loader) {
		l.cache = backend
		l.cacheTTL = ttl
	}
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(log *slog.Logger) LoaderOption {
	return func(l *Loader) { l.log = log }
}

// NewLoader creates a loader over pool.
func NewLoader(pool *Pool, opts ...LoaderOption) *Loader {
	l := &Loader{
		pool:    pool,
		timeout: defaultRelayTimeout,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run returns once every relay has reached EOSE, failed or timed out. OnEvent
// is called from the per-relay goroutines and never after Run returns. The
// returned error combines the per-relay failures.
func (l *Loader) Run(ctx context.Context, req types.LoadRequest) error {
	relays := util.Dedupe(req.Relays)
	if len(relays) == 0 || len(req.Filters) == 0 {
		return nil
	}
	if req.OnEvent == nil {
		req.OnEvent = func(types.Event) {}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, relayURL := range relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			if err := l.runRelay(ctx, relayURL, req); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(relayURL)
	}
	wg.Wait()
	return errs
}

func (l *Loader) runRelay(ctx context.Context, relayURL string, req types.LoadRequest) error {
	key := ""
	if l.cache != nil {
		key = responseCacheKey(relayURL, req.Filters)
		if !req.SkipCache {
			if events, ok := l.cached(ctx, key); ok {
				metrics.RelayRequests.WithLabelValues("cached").Inc()
				for _, evt := range events {
					req.OnEvent(evt)
				}
				return nil
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	sub, err := l.pool.Subscribe(ctx, relayURL, req.Filters)
	if err != nil {
		metrics.RelayRequests.WithLabelValues("error").Inc()
		return err
	}
	defer l.pool.Unsubscribe(relayURL, sub)

	seen := make(map[string]bool)
	var collected []types.Event
	deliver := func(evt types.Event) {
		// relays are untrusted: only pass on what was asked for
		if seen[evt.ID] || !types.MatchesAny(req.Filters, &evt) {
			return
		}
		seen[evt.ID] = true
		if key != "" {
			collected = append(collected, evt)
		}
		req.OnEvent(evt)
	}
	drain := func() {
		for {
			select {
			case evt := <-sub.Events:
				deliver(evt)
			default:
				return
			}
		}
	}

	finish := func() error {
		metrics.RelayRequests.WithLabelValues("eose").Inc()
		if key != "" {
			l.store(ctx, key, collected)
		}
		return nil
	}

	for {
		select {
		case evt := <-sub.Events:
			deliver(evt)

		case <-sub.EOSE():
			drain()
			return finish()

		case <-sub.Done():
			drain()
			select {
			case <-sub.EOSE():
				// relay hung up after a complete answer
				return finish()
			default:
			}
			metrics.RelayRequests.WithLabelValues("error").Inc()
			return fmt.Errorf("%s: %w: %s", relayURL, ErrSubscriptionClosed, sub.Reason())

		case <-ctx.Done():
			outcome := "timeout"
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				outcome = "cancelled"
			}
			metrics.RelayRequests.WithLabelValues(outcome).Inc()
			return fmt.Errorf("%s: %w", relayURL, ctx.Err())
		}
	}
}

func (l *Loader) cached(ctx context.Context, key string) ([]types.Event, bool) {
	data, found, err := l.cache.Get(ctx, key)
	if err != nil {
		l.log.Debug("response cache read failed", "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var events []types.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, false
	}
	return events, true
}

func (l *Loader) store(ctx context.Context, key string, events []types.Event) {
	if events == nil {
		events = []types.Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, key, data, l.cacheTTL); err != nil {
		l.log.Debug("response cache write failed", "error", err)
	}
}

// responseCacheKey identifies one relay's answer to one set of filters.
func responseCacheKey(relayURL string, filters []types.Filter) string {
	data, _ := json.Marshal(filters)
	sum := sha256.Sum256(append([]byte(relayURL+"\n"), data...))
	return "resp:" + hex.EncodeToString(sum[:16])
}
