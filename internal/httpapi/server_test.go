package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/systemsim/live-components/internal/model"
)

type fakeRegistry struct {
	instances map[string]*model.ComponentInstance
}

func (f *fakeRegistry) Instance(componentID string) (*model.ComponentInstance, bool) {
	inst, ok := f.instances[componentID]
	return inst, ok
}

func (f *fakeRegistry) ComponentIDs() []string {
	ids := make([]string, 0, len(f.instances))
	for id := range f.instances {
		ids = append(ids, id)
	}
	return ids
}

func newFakeRegistry() *fakeRegistry {
	inst := model.NewComponentInstance("counter-1", "counter-1", "Counter", "client-1", "", 0, "counter", nil, "fp", time.Now())
	return &fakeRegistry{instances: map[string]*model.ComponentInstance{"counter-1": inst}}
}

func TestHealthzReportsUptime(t *testing.T) {
	s := New(zerolog.Nop(), newFakeRegistry(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %v", body["status"])
	}
}

func TestListComponentsReturnsMountedIDs(t *testing.T) {
	s := New(zerolog.Nop(), newFakeRegistry(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/components", nil))

	var body struct {
		ComponentIDs []string `json:"component_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(body.ComponentIDs) != 1 || body.ComponentIDs[0] != "counter-1" {
		t.Fatalf("unexpected component ids: %v", body.ComponentIDs)
	}
}

func TestComponentSnapshotNotFound(t *testing.T) {
	s := New(zerolog.Nop(), newFakeRegistry(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/components/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestComponentSnapshotFound(t *testing.T) {
	s := New(zerolog.Nop(), newFakeRegistry(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/components/counter-1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["type"] != "Counter" {
		t.Fatalf("expected type Counter, got %v", body["type"])
	}
}

func TestMetricsRouteAbsentWithoutHandler(t *testing.T) {
	s := New(zerolog.Nop(), newFakeRegistry(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no metrics handler is configured, got %d", rec.Code)
	}
}
