package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/saveup/coach/internal/app"
	"github.com/saveup/coach/internal/metrics"
)

// noopStore satisfies the statusProvider interface.
type noopStore struct{ count int }

func (n *noopStore) UserCount(_ context.Context) (int, error) { return n.count, nil }

func TestHealthServer_Health(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &noopStore{count: 3}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestHealthServer_Status(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &noopStore{count: 5}, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
	if int(resp["user_count"].(float64)) != 5 {
		t.Errorf("expected user_count 5, got %v", resp["user_count"])
	}
}

func TestHealthServer_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	metrics.MessagesTotal.WithLabelValues("chat").Inc()

	hs := app.NewHealthServer("127.0.0.1:0", &noopStore{}, registry)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	hs.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "saveup_messages_total") {
		t.Error("metrics output does not contain the message counter")
	}
}
