package introspect

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/lanes/internal/universe"
)

func TestHealthzReturnsOK(t *testing.T) {
	u := universe.New(universe.DefaultConfig())
	h := Handler(u)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("GET /healthz body = %q, want \"ok\"", rec.Body.String())
	}
}

func TestStatsReturnsJSONSnapshot(t *testing.T) {
	u := universe.New(universe.DefaultConfig())
	h := Handler(u)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /stats status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response body is not valid JSON: %v", err)
	}
	if resp.InstanceID != u.InstanceID() {
		t.Fatalf("StatsResponse.InstanceID = %q, want %q", resp.InstanceID, u.InstanceID())
	}
	if resp.KeeperPoolSize != 1 {
		t.Fatalf("StatsResponse.KeeperPoolSize = %d, want 1", resp.KeeperPoolSize)
	}
}
