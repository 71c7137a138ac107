// Package introspect exposes a universe's runtime state over plain
// HTTP+JSON. The teacher's own introspection surface is a gRPC service
// generated from a .proto file that isn't part of this module's
// retrieved sources, so rather than hand-author protobuf wire format by
// hand, this package follows the net/http + encoding/json pattern the
// rest of the corpus uses for its simpler internal endpoints.
package introspect

import (
	"encoding/json"
	"net/http"

	"github.com/oriys/lanes/internal/observability"
	"github.com/oriys/lanes/internal/universe"
)

// StatsResponse is the JSON body served at /stats.
type StatsResponse struct {
	InstanceID      string `json:"instance_id"`
	ActiveLanes     int    `json:"active_lanes"`
	SelfDestructing int    `json:"self_destructing_lanes"`
	TotalSpawned    uint64 `json:"total_spawned"`
	KeeperPoolSize  int    `json:"keeper_pool_size"`
}

// Handler returns an http.Handler serving introspection endpoints for u:
//
//	GET /stats  - a StatsResponse snapshot
//	GET /healthz - 200 OK once the universe exists
func Handler(u *universe.Universe) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		// A child span nested inside HTTPMiddleware's request-level span:
		// distinguishes the stats snapshot itself from request overhead.
		_, span := observability.StartServerSpan(r.Context(), "introspect.stats")
		defer span.End()

		stats := u.Stats()
		resp := StatsResponse{
			InstanceID:      stats.InstanceID,
			ActiveLanes:     stats.ActiveLanes,
			SelfDestructing: stats.SelfDestructing,
			TotalSpawned:    stats.TotalSpawned,
			KeeperPoolSize:  stats.KeeperPoolSize,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			observability.SetSpanError(span, err)
			return
		}
		observability.SetSpanOK(span)
	})

	return mux
}
