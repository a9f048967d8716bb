package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"

	"nostr-peoplesync/internal/types"
)

// fakeRelay is a minimal NIP-01 relay: it answers each REQ with its stored
// events that match, then EOSE.
type fakeRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	events []types.Event
	// extra events sent regardless of filters, to test client-side checks
	junk []types.Event
	// closeReason makes the relay answer REQ with CLOSED instead of events
	closeReason string
	// silent relays never send EOSE
	silent bool

	reqs  atomic.Int32
	conns atomic.Int32
}

func newFakeRelay(t *testing.T, events ...types.Event) *fakeRelay {
	t.Helper()
	r := &fakeRelay{events: events}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	r.conns.Add(1)

	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		var typ, subID string
		_ = json.Unmarshal(msg[0], &typ)
		_ = json.Unmarshal(msg[1], &subID)
		if typ != "REQ" {
			continue
		}
		r.reqs.Add(1)

		filters := make([]types.Filter, 0, len(msg)-2)
		for _, raw := range msg[2:] {
			filters = append(filters, decodeFilter(raw))
		}

		r.mu.Lock()
		events := append([]types.Event(nil), r.events...)
		junk := append([]types.Event(nil), r.junk...)
		closeReason, silent := r.closeReason, r.silent
		r.mu.Unlock()

		if closeReason != "" {
			_ = conn.WriteJSON([]interface{}{"CLOSED", subID, closeReason})
			continue
		}
		for _, evt := range events {
			if types.MatchesAny(filters, &evt) {
				_ = conn.WriteJSON([]interface{}{"EVENT", subID, evt})
			}
		}
		for _, evt := range junk {
			_ = conn.WriteJSON([]interface{}{"EVENT", subID, evt})
		}
		if !silent {
			_ = conn.WriteJSON([]interface{}{"EOSE", subID})
		}
	}
}

func decodeFilter(raw json.RawMessage) types.Filter {
	var wire struct {
		IDs     []string `json:"ids"`
		Authors []string `json:"authors"`
		Kinds   []int    `json:"kinds"`
		DTags   []string `json:"#d"`
		Limit   int      `json:"limit"`
	}
	_ = json.Unmarshal(raw, &wire)
	return types.Filter{IDs: wire.IDs, Authors: wire.Authors, Kinds: wire.Kinds, DTags: wire.DTags, Limit: wire.Limit}
}
