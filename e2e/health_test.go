package e2e

import (
	"net/http"
	"testing"
)

func TestHealthReportsServices(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", body["status"])
	}
	services, ok := body["services"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a services object, got %v", body["services"])
	}

	tests := []struct {
		field string
		want  interface{}
	}{
		{"redis", true},
		{"storage", "memory"},
		{"veoMock", true},
	}
	for _, tt := range tests {
		if got := services[tt.field]; got != tt.want {
			t.Errorf("services.%s = %v, want %v", tt.field, got, tt.want)
		}
	}
}
