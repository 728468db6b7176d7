// Package pgmhttp exposes per-transport/per-peer diagnostics over
// HTTP as JSON, an admin surface kept as an external collaborator
// rather than baked into the transport. One goroutine per listener,
// its terminal error funneled into a shared channel.
package pgmhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/pgmproto/pgm"
)

// StatsSnapshot is one transport's point-in-time counters, the shape
// served at /stats?tsi=<tsi>.
type StatsSnapshot struct {
	TSI              string    `json:"tsi"`
	PeerCount        int       `json:"peer_count"`
	CumulativeLosses uint64    `json:"cumulative_losses"`
	FragmentCount    uint64    `json:"fragment_count"`
	CksumErrors      uint64    `json:"cksum_errors"`
	MalformedPackets uint64    `json:"malformed_packets"`
	PacketsDiscarded uint64    `json:"packets_discarded"`
	SampledAt        time.Time `json:"sampled_at"`
}

// StatsSource is whatever can produce a StatsSnapshot per registered
// transport; pgm.Registry plus transport accessors satisfy it in the
// real wiring, kept as an interface so this package doesn't need to
// import the whole transport surface.
type StatsSource interface {
	Snapshot(tsi pgm.TSI) (StatsSnapshot, bool)
	List() []pgm.TSI
}

// Server is the admin diagnostics HTTP endpoint. A short-TTL
// go-cache.Cache smooths over repeated /stats polls, trading a
// little staleness for avoiding a lock-heavy Snapshot call on every
// request from a tight monitoring loop.
type Server struct {
	src   StatsSource
	cache *cache.Cache
}

// NewServer constructs a Server caching snapshots for ttl.
func NewServer(src StatsSource, ttl time.Duration) *Server {
	return &Server{src: src, cache: cache.New(ttl, 2*ttl)}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tsiStr := r.URL.Query().Get("tsi")
	if tsiStr == "" {
		s.handleAll(w, r)
		return
	}
	if v, ok := s.cache.Get(tsiStr); ok {
		writeJSON(w, v)
		return
	}
	for _, tsi := range s.src.List() {
		if tsi.String() != tsiStr {
			continue
		}
		snap, ok := s.src.Snapshot(tsi)
		if !ok {
			http.NotFound(w, r)
			return
		}
		s.cache.Set(tsiStr, snap, cache.DefaultExpiration)
		writeJSON(w, snap)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleAll(w http.ResponseWriter, r *http.Request) {
	var all []StatsSnapshot
	for _, tsi := range s.src.List() {
		if snap, ok := s.src.Snapshot(tsi); ok {
			all = append(all, snap)
		}
	}
	writeJSON(w, all)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("pgmhttp: encode response: %v", err)
	}
}

// ListenAndServe starts the admin endpoint on addr. Mirrors
// dnsserve.go's serveDNS: one handler mux, blocking ListenAndServe,
// errors surfaced to the caller rather than logged-and-swallowed.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	if err := http.ListenAndServe(addr, mux); err != nil {
		return errors.Wrap(err, "pgmhttp: serve admin endpoint")
	}
	return nil
}

// Serve starts the endpoint in its own goroutine and funnels its
// terminal error into the returned channel, the same
// spin-up-and-funnel-errors shape as dnsserve.go/proxyserve.go's
// per-net-family goroutines.
func Serve(s *Server, addr string) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ListenAndServe(addr)
	}()
	return errCh
}
