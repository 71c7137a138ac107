package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInitPrometheusRegistersEveryCollector(t *testing.T) {
	m := InitPrometheus("lanes_test", nil)
	if m == nil {
		t.Fatal("InitPrometheus returned nil")
	}

	RecordLaneSpawned()
	RecordLaneFinished("done", 12.5)
	SetActiveLanes(3, 1)
	RecordLindaSend("ok")
	RecordLindaReceive("empty")
	RecordLindaWait("send", 4.2)
	SetLindaFifoDepth("42", "mailbox", 7)
	RecordKeeperFull()
	RecordKeeperItemsCollected(5)
	RecordCopierError("*vm.Table")

	families, err := PrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather returned error: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("Gather returned no metric families after recording")
	}

	want := map[string]bool{
		"lanes_test_lane_spawned_total":         false,
		"lanes_test_lane_finished_total":        false,
		"lanes_test_lane_duration_ms":           false,
		"lanes_test_lane_active":                false,
		"lanes_test_lane_self_destructing":      false,
		"lanes_test_linda_send_total":           false,
		"lanes_test_linda_receive_total":        false,
		"lanes_test_linda_wait_ms":              false,
		"lanes_test_linda_fifo_depth":           false,
		"lanes_test_keeper_full_total":          false,
		"lanes_test_keeper_items_cleared_total": false,
		"lanes_test_copier_errors_total":        false,
	}
	for _, fam := range families {
		if _, ok := want[fam.GetName()]; ok {
			want[fam.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("expected metric family %q was not registered/gathered", name)
		}
	}
}

func TestRecordFunctionsAreNoOpsBeforeInit(t *testing.T) {
	promMetrics = nil // simulate a process that never called InitPrometheus
	defer func() { promMetrics = nil }()

	// None of these should panic on a nil global instance.
	RecordLaneSpawned()
	RecordLaneFinished("error", 1)
	SetActiveLanes(0, 0)
	RecordLindaSend("full")
	RecordLindaReceive("ok")
	RecordLindaWait("receive", 1)
	SetLindaFifoDepth("1", "k", 0)
	RecordKeeperFull()
	RecordKeeperItemsCollected(1)
	RecordCopierError("nil")

	if PrometheusRegistry() != nil {
		t.Fatal("PrometheusRegistry() != nil before InitPrometheus")
	}
}

func TestPrometheusHandlerServesMetricsText(t *testing.T) {
	InitPrometheus("lanes_handler_test", []float64{1, 5, 10})
	RecordLaneSpawned()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("GET /metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "lanes_handler_test_lane_spawned_total") {
		t.Fatal("response body does not mention the registered counter")
	}
}
