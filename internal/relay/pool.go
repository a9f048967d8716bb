// Package relay talks to Nostr relays over websockets: a connection pool that
// multiplexes subscriptions per relay, and a Loader that runs one query
// against many relays at once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"nostr-peoplesync/internal/metrics"
	"nostr-peoplesync/internal/nostr"
	"nostr-peoplesync/internal/types"
)

var (
	// ErrUnsafeRelayURL is returned for relay URLs pointing at private or internal hosts.
	ErrUnsafeRelayURL = errors.New("relay URL blocked: unsafe destination")
	// ErrConnectFailed is returned when every dial attempt to a relay failed.
	ErrConnectFailed = errors.New("relay connect failed")
	// ErrSubscriptionClosed is returned when a relay ends a subscription with CLOSED
	// or the connection drops before EOSE.
	ErrSubscriptionClosed = errors.New("subscription closed by relay")
)

const (
	writeTimeout       = 10 * time.Second
	eventBufferSize    = 256
	defaultIdleTimeout = 2 * time.Minute
	cleanupInterval    = time.Minute
)

// Subscription is one REQ on a relay connection.
type Subscription struct {
	ID     string
	Events chan types.Event

	eose      chan struct{}
	eoseOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	reason string
}

func newSubscription() *Subscription {
	return &Subscription{
		ID:     uuid.NewString(),
		Events: make(chan types.Event, eventBufferSize),
		eose:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// EOSE is closed once the relay has sent all stored events.
func (s *Subscription) EOSE() <-chan struct{} { return s.eose }

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason returns the relay's CLOSED message, if any.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscription) markEOSE() {
	s.eoseOnce.Do(func() { close(s.eose) })
}

func (s *Subscription) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// relayConn manages a single websocket connection with multiple subscriptions.
type relayConn struct {
	conn     *websocket.Conn
	relayURL string
	verify   bool
	log      *slog.Logger

	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	closed        bool
	lastActivity  time.Time
}

// Pool keeps at most one connection per relay. Concurrent dials to the same
// relay share one attempt.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*relayConn
	dials       singleflight.Group

	dialer      *websocket.Dialer
	dialRetries uint
	verify      bool
	idleTimeout time.Duration
	log         *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithDialRetries sets how many times a dial is attempted before giving up.
func WithDialRetries(n uint) PoolOption {
	return func(p *Pool) { p.dialRetries = n }
}

// WithVerifySignatures makes the pool drop events whose id or signature is invalid.
func WithVerifySignatures(verify bool) PoolOption {
	return func(p *Pool) { p.verify = verify }
}

// WithIdleTimeout sets how long a connection without subscriptions is kept open.
func WithIdleTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.idleTimeout = d }
}

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

// NewPool creates a pool and starts its idle-connection reaper.
func NewPool(opts ...PoolOption) *Pool {
	p := &Pool{
		connections: make(map[string]*relayConn),
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		dialRetries: 3,
		verify:      true,
		idleTimeout: defaultIdleTimeout,
		log:         slog.Default(),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.cleanupLoop()
	return p
}

func (p *Pool) lookup(relayURL string) *relayConn {
	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()
	if rc == nil || rc.isClosed() {
		return nil
	}
	return rc
}

// getOrCreateConn returns the open connection to relayURL, dialing if needed.
func (p *Pool) getOrCreateConn(ctx context.Context, relayURL string) (*relayConn, error) {
	if !isRelayURLSafe(relayURL) {
		return nil, fmt.Errorf("%w: %s", ErrUnsafeRelayURL, relayURL)
	}
	if rc := p.lookup(relayURL); rc != nil {
		return rc, nil
	}

	v, err, shared := p.dials.Do(relayURL, func() (interface{}, error) {
		if rc := p.lookup(relayURL); rc != nil {
			return rc, nil
		}
		conn, err := p.dial(ctx, relayURL)
		if err != nil {
			return nil, err
		}

		rc := &relayConn{
			conn:          conn,
			relayURL:      relayURL,
			verify:        p.verify,
			log:           p.log,
			subscriptions: make(map[string]*Subscription),
			lastActivity:  time.Now(),
		}
		p.mu.Lock()
		p.connections[relayURL] = rc
		p.mu.Unlock()
		metrics.RelayConnections.Inc()

		go rc.readLoop()
		return rc, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.log.Debug("singleflight: shared relay dial", "relay", relayURL)
	}
	return v.(*relayConn), nil
}

func (p *Pool) dial(ctx context.Context, relayURL string) (*websocket.Conn, error) {
	p.log.Debug("pool: dialing relay", "relay", relayURL)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, _, err := p.dialer.DialContext(ctx, relayURL, nil)
		return conn, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(max(p.dialRetries, 1)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, relayURL, err)
	}
	return conn, nil
}

// Subscribe sends a REQ with filters to relayURL. The caller must Unsubscribe.
func (p *Pool) Subscribe(ctx context.Context, relayURL string, filters []types.Filter) (*Subscription, error) {
	const maxAttempts = 2

	sub := newSubscription()
	var rc *relayConn
	for attempt := 0; attempt < maxAttempts && rc == nil; attempt++ {
		conn, err := p.getOrCreateConn(ctx, relayURL)
		if err != nil {
			return nil, err
		}
		// the connection may have dropped between lookup and registration
		if conn.register(sub) {
			rc = conn
		}
	}
	if rc == nil {
		return nil, fmt.Errorf("%w: %s: connection lost while subscribing", ErrConnectFailed, relayURL)
	}

	req := make([]interface{}, 0, 2+len(filters))
	req = append(req, "REQ", sub.ID)
	for _, f := range filters {
		req = append(req, f)
	}
	if err := rc.writeJSON(req); err != nil {
		rc.unregister(sub.ID)
		rc.markClosed()
		return nil, fmt.Errorf("%s: send REQ: %w", relayURL, err)
	}
	return sub, nil
}

// Unsubscribe sends CLOSE for sub if the relay still knows it, and ends it locally.
func (p *Pool) Unsubscribe(relayURL string, sub *Subscription) {
	if sub == nil {
		return
	}

	p.mu.RLock()
	rc := p.connections[relayURL]
	p.mu.RUnlock()

	if rc != nil && rc.unregister(sub.ID) {
		// best effort, connection may be going away
		_ = rc.writeJSON([]interface{}{"CLOSE", sub.ID})
	}
	sub.close("")
}

// Close shuts every connection and stops the reaper.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	conns := p.connections
	p.connections = make(map[string]*relayConn)
	p.mu.Unlock()

	for _, rc := range conns {
		rc.markClosed()
	}
	return nil
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.stop:
			return
		}
	}
}

// cleanup drops closed connections and closes ones idle longer than idleTimeout.
func (p *Pool) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for relayURL, rc := range p.connections {
		rc.mu.Lock()
		closed := rc.closed
		idle := len(rc.subscriptions) == 0 && now.Sub(rc.lastActivity) > p.idleTimeout
		rc.mu.Unlock()

		if closed || idle {
			if !closed {
				p.log.Debug("pool: closing idle connection", "relay", relayURL)
				rc.markClosed()
			}
			delete(p.connections, relayURL)
		}
	}
}

func (rc *relayConn) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *relayConn) register(sub *Subscription) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return false
	}
	rc.subscriptions[sub.ID] = sub
	rc.lastActivity = time.Now()
	return true
}

// unregister reports whether the subscription was still registered.
func (rc *relayConn) unregister(subID string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_, ok := rc.subscriptions[subID]
	delete(rc.subscriptions, subID)
	return ok && !rc.closed
}

func (rc *relayConn) subscription(subID string) *Subscription {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.subscriptions[subID]
}

func (rc *relayConn) writeJSON(v interface{}) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()

	if err := rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return rc.conn.WriteJSON(v)
}

// readLoop routes relay messages to subscriptions until the connection fails.
func (rc *relayConn) readLoop() {
	defer rc.markClosed()

	for {
		var msg []interface{}
		if err := rc.conn.ReadJSON(&msg); err != nil {
			if !rc.isClosed() {
				rc.log.Debug("pool: read error", "relay", rc.relayURL, "error", err)
			}
			return
		}

		rc.mu.Lock()
		rc.lastActivity = time.Now()
		rc.mu.Unlock()

		if len(msg) < 2 {
			continue
		}
		msgType, _ := msg[0].(string)
		subID, _ := msg[1].(string)

		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			sub := rc.subscription(subID)
			if sub == nil {
				continue
			}
			evt, ok := nostr.ParseEventFromInterface(msg[2], rc.verify)
			if !ok {
				continue
			}
			evt.RelaysSeen = []string{rc.relayURL}

			select {
			case sub.Events <- evt:
			case <-sub.done:
			}

		case "EOSE":
			if sub := rc.subscription(subID); sub != nil {
				sub.markEOSE()
			}

		case "CLOSED":
			reason := ""
			if len(msg) >= 3 {
				reason, _ = msg[2].(string)
			}
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			delete(rc.subscriptions, subID)
			rc.mu.Unlock()
			if sub != nil {
				sub.close(reason)
			}

		case "NOTICE":
			rc.log.Debug("pool: NOTICE", "relay", rc.relayURL, "notice", subID)
		}
	}
}

// markClosed closes the socket and ends every subscription on it.
func (rc *relayConn) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	_ = rc.conn.Close()
	metrics.RelayConnections.Dec()

	for _, sub := range rc.subscriptions {
		sub.close("connection closed")
	}
	rc.subscriptions = make(map[string]*Subscription)
}
