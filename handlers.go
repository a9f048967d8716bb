package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nostr-peoplesync/internal/nostr"
	"nostr-peoplesync/internal/people"
	"nostr-peoplesync/internal/peoplesync"
	"nostr-peoplesync/internal/types"
	"nostr-peoplesync/internal/util"
)

// Request body size limits
const (
	maxBodySize = 32 * 1024 // 32KB for POST requests
)

const (
	defaultEventsLimit = 20
	maxEventsLimit     = 500
	maxSyncKeys        = 1000
)

// server holds the collaborators the HTTP API reads from and drives.
type server struct {
	syncer   *peoplesync.Syncer
	store    *people.Store
	selector peoplesync.RelaySelector
	loader   peoplesync.Loader
}

type syncRequest struct {
	Pubkeys []string `json:"pubkeys"`
	Force   bool     `json:"force"`
	Kinds   []int    `json:"kinds"`
	Relays  []string `json:"relays"`
}

type tagRequest struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type personResponse struct {
	types.Person
	Npub          string `json:"npub,omitempty"`
	DisplayHandle string `json:"display_handle,omitempty"`
}

type eventsResponse struct {
	Events        []types.Event `json:"events"`
	QueriedRelays int           `json:"queried_relays"`
	Partial       bool          `json:"partial"`
}

// limitBody caps request body size
func limitBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// securityHeaders adds headers every JSON response should carry
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLoggingMiddleware)
	r.Use(securityHeaders)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		util.RespondNotFound(w, "not found")
	})

	r.Get("/health", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.With(limitBody(maxBodySize)).Post("/sync", s.handleSync)

	r.Route("/people/{pubkey}", func(r chi.Router) {
		r.Get("/", s.handleGetPerson)
		r.Get("/events", s.handleEvents)

		r.With(limitBody(maxBodySize)).Post("/follows", s.handleFollow)
		r.Delete("/follows/{value}", s.handleUnfollow)
		r.With(limitBody(maxBodySize)).Post("/mutes", s.handleMute)
		r.Delete("/mutes/{value}", s.handleUnmute)
	})
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.RespondBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Pubkeys) == 0 {
		util.RespondBadRequest(w, "pubkeys is required")
		return
	}
	if len(req.Pubkeys) > maxSyncKeys {
		util.RespondBadRequest(w, "too many pubkeys")
		return
	}

	report := s.syncer.SyncAll(r.Context(), normalizePubkeys(req.Pubkeys), peoplesync.Options{
		Force:  req.Force,
		Kinds:  req.Kinds,
		Relays: req.Relays,
	})
	LoggerFromContext(r.Context()).Info("sync finished",
		"requested", len(req.Pubkeys),
		"profiles", len(report.Profiles),
		"relay_lists", len(report.RelayLists))

	util.WriteJSON(w, http.StatusOK, report)
}

// normalizePubkeys converts npub and nprofile entries to hex. Anything that
// does not parse is passed through for the gate to reject and count.
func normalizePubkeys(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		if pk, err := nostr.ParsePubkey(v); err == nil {
			out[i] = pk
		} else {
			out[i] = v
		}
	}
	return out
}

// pubkeyParam reads the {pubkey} URL parameter as hex, npub or nprofile,
// replying 400 when invalid.
func pubkeyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	pubkey, err := nostr.ParsePubkey(chi.URLParam(r, "pubkey"))
	if err != nil {
		util.RespondBadRequest(w, "invalid pubkey")
		return "", false
	}
	return pubkey, true
}

// tagValueParam reads {value}; npub and nprofile values become hex so they
// match the stored p tags.
func tagValueParam(r *http.Request) string {
	value := chi.URLParam(r, "value")
	if strings.HasPrefix(value, "npub1") || strings.HasPrefix(value, "nprofile1") {
		if pk, err := nostr.ParsePubkey(value); err == nil {
			return pk
		}
	}
	return value
}

func (s *server) writePerson(w http.ResponseWriter, p types.Person) {
	resp := personResponse{Person: p}
	resp.Npub, _ = nostr.EncodeNpub(p.Pubkey)
	if p.Profile != nil {
		resp.DisplayHandle = people.DisplayHandle(p.Profile.Nip05)
	}
	util.WriteJSON(w, http.StatusOK, resp)
}

func (s *server) handleGetPerson(w http.ResponseWriter, r *http.Request) {
	pubkey, ok := pubkeyParam(w, r)
	if !ok {
		return
	}
	s.writePerson(w, s.store.Get(pubkey))
}

func decodeTag(w http.ResponseWriter, r *http.Request) (tagRequest, bool) {
	var req tagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.RespondBadRequest(w, "invalid JSON body")
		return req, false
	}
	if req.Type == "" {
		req.Type = "p"
	}
	if req.Value == "" {
		util.RespondBadRequest(w, "value is required")
		return req, false
	}
	if req.Type == "p" {
		pk, err := nostr.ParsePubkey(req.Value)
		if err != nil {
			util.RespondBadRequest(w, "value must be a pubkey for type p")
			return req, false
		}
		req.Value = pk
	}
	return req, true
}

func (s *server) handleFollow(w http.ResponseWriter, r *http.Request) {
	owner, ok := pubkeyParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeTag(w, r)
	if !ok {
		return
	}
	s.writePerson(w, s.store.Follow(owner, req.Type, req.Value))
}

func (s *server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	owner, ok := pubkeyParam(w, r)
	if !ok {
		return
	}
	s.writePerson(w, s.store.Unfollow(owner, tagValueParam(r)))
}

func (s *server) handleMute(w http.ResponseWriter, r *http.Request) {
	owner, ok := pubkeyParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeTag(w, r)
	if !ok {
		return
	}
	s.writePerson(w, s.store.Mute(owner, req.Type, req.Value))
}

func (s *server) handleUnmute(w http.ResponseWriter, r *http.Request) {
	owner, ok := pubkeyParam(w, r)
	if !ok {
		return
	}
	s.writePerson(w, s.store.Unmute(owner, tagValueParam(r)))
}

// handleEvents returns an author's raw events of one kind from the indexers
// and the author's own relays. Unlike sync, this goes through the response cache.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	pubkey, ok := pubkeyParam(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	kind, err := strconv.Atoi(q.Get("kind"))
	if err != nil || kind < 0 {
		util.RespondBadRequest(w, "kind must be a non-negative integer")
		return
	}
	limit := defaultEventsLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			util.RespondBadRequest(w, "limit must be a positive integer")
			return
		}
	}
	limit = min(limit, maxEventsLimit)

	relays := s.selector.Indexers(nil)
	for _, group := range s.selector.SelectionsForKeys([]string{pubkey}) {
		relays = append(relays, group.RelayURL)
	}
	relays = util.Dedupe(relays)

	var (
		mu     sync.Mutex
		seen   = make(map[string]bool)
		events = []types.Event{}
	)
	err = s.loader.Run(r.Context(), types.LoadRequest{
		Relays:  relays,
		Filters: []types.Filter{{Authors: []string{pubkey}, Kinds: []int{kind}, Limit: limit}},
		OnEvent: func(evt types.Event) {
			mu.Lock()
			defer mu.Unlock()
			if !seen[evt.ID] {
				seen[evt.ID] = true
				events = append(events, evt)
			}
		},
	})
	if err != nil {
		LoggerFromContext(r.Context()).Debug("events query had relay failures", "pubkey", nostr.ShortID(pubkey), "error", err)
	}

	// Sort by created_at DESC, then by ID DESC for tie-break
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})

	util.WriteJSON(w, http.StatusOK, eventsResponse{
		Events:        util.LimitSlice(events, limit),
		QueriedRelays: len(relays),
		Partial:       err != nil,
	})
}
