package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"settingsync/backend"
	"settingsync/codec"
	"settingsync/config"
	"settingsync/coordinator"
	"settingsync/state"
)

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	saved := config.Config
	t.Cleanup(func() { config.Config = saved })

	syncCoordinator = coordinator.New(coordinator.Options{
		Store:               backend.NewMemory("sync", backend.Quota{}),
		BatchWindow:         5 * time.Millisecond,
		BatchSafetyInterval: time.Hour,
		StatsDebounce:       time.Hour,
		StatsSafetyInterval: time.Hour,
	})
	syncCoordinator.Start(context.Background())
	t.Cleanup(syncCoordinator.Stop)

	r := gin.New()
	setupRoutes(r)
	return r
}

func send(t *testing.T, r *gin.Engine, method, path, body string, headers ...string) (int, MessageResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp MessageResponse
	if w.Code != http.StatusUnauthorized {
		if err := codec.JSONUnmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s %s: undecodable response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, resp
}

func TestMessageGetStateDefaults(t *testing.T) {
	r := setupTestRouter(t)

	code, resp := send(t, r, http.MethodPost, "/api/message", `{"type":"GET_STATE"}`)
	if code != http.StatusOK || !resp.Ok || resp.State == nil {
		t.Fatalf("Unexpected response %d %+v", code, resp)
	}
	if resp.State.Theme != state.ThemeSystem || !resp.State.RedirectShorts {
		t.Errorf("Expected defaults, got %+v", resp.State)
	}
}

func TestMessageSetState(t *testing.T) {
	r := setupTestRouter(t)

	code, resp := send(t, r, http.MethodPost, "/api/message", `{"type":"SET_STATE","patch":{"theme":"dark","enabled":false}}`)
	if code != http.StatusOK || !resp.Ok {
		t.Fatalf("SET_STATE failed: %d %+v", code, resp)
	}

	_, resp = send(t, r, http.MethodGet, "/api/state", "")
	if resp.State == nil || resp.State.Theme != state.ThemeDark || resp.State.Enabled {
		t.Errorf("Patch not applied, got %+v", resp.State)
	}
}

func TestMessageInvalidRequests(t *testing.T) {
	r := setupTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid theme", `{"type":"SET_STATE","patch":{"theme":"sepia"}}`},
		{"unknown stat", `{"type":"INCR_STAT","key":"skipped"}`},
		{"empty channel", `{"type":"ADD_TO_WHITELIST","channel":""}`},
		{"unknown type", `{"type":"LAUNCH_ROCKET"}`},
		{"missing type", `{}`},
		{"debug disabled", `{"type":"_DEBUG_GET_METRICS"}`},
		{"bad json", `{"type":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := send(t, r, http.MethodPost, "/api/message", tt.body)
			if code != http.StatusBadRequest || resp.Ok || resp.Error == "" {
				t.Errorf("Expected 400 with error, got %d %+v", code, resp)
			}
		})
	}
}

func TestMessageIncrementStat(t *testing.T) {
	r := setupTestRouter(t)

	send(t, r, http.MethodPost, "/api/message", `{"type":"INCR_STAT","key":"allowed"}`)
	code, resp := send(t, r, http.MethodPost, "/api/stats/allowed", "")
	if code != http.StatusOK || resp.Stats == nil || resp.Stats.Allowed != 2 {
		t.Fatalf("Expected projected allowed 2, got %d %+v", code, resp.Stats)
	}

	code, resp = send(t, r, http.MethodPost, "/api/message", `{"type":"RECORD_STATS"}`)
	if code != http.StatusOK || !resp.Ok || resp.Stats != nil {
		t.Errorf("Expected plain ack for RECORD_STATS, got %d %+v", code, resp)
	}
	if _, pending := syncCoordinator.Pending(); pending.Blocked != 1 {
		t.Errorf("Expected legacy increment counted as blocked, got %+v", pending)
	}
}

func TestWhitelistRoutes(t *testing.T) {
	r := setupTestRouter(t)

	send(t, r, http.MethodPut, "/api/whitelist/UC1", "")
	send(t, r, http.MethodPost, "/api/message", `{"type":"ADD_TO_WHITELIST","channel":"UC2"}`)

	_, resp := send(t, r, http.MethodPost, "/api/message", `{"type":"GET_WHITELIST"}`)
	if resp.Whitelist == nil || len(*resp.Whitelist) != 2 {
		t.Fatalf("Expected 2 channels, got %+v", resp.Whitelist)
	}

	send(t, r, http.MethodDelete, "/api/whitelist", "")
	_, resp = send(t, r, http.MethodGet, "/api/whitelist", "")
	if resp.Whitelist == nil || len(*resp.Whitelist) != 0 {
		t.Errorf("Expected empty whitelist present in response, got %+v", resp.Whitelist)
	}
}

func TestStorageUsageRoute(t *testing.T) {
	r := setupTestRouter(t)

	code, resp := send(t, r, http.MethodGet, "/api/storage-usage", "")
	if code != http.StatusOK || resp.Usage == nil || resp.Quota == nil {
		t.Fatalf("Unexpected response %d %+v", code, resp)
	}
	if *resp.Usage != 2 || *resp.Quota != backend.DefaultQuotaBytes {
		t.Errorf("Expected empty usage 2 of %d, got %d of %d", backend.DefaultQuotaBytes, *resp.Usage, *resp.Quota)
	}
}

func TestDebugRoutes(t *testing.T) {
	r := setupTestRouter(t)
	config.Config.Logging.Debug = true

	send(t, r, http.MethodPost, "/api/message", `{"type":"INCR_STAT","key":"blocked"}`)
	if code, resp := send(t, r, http.MethodPost, "/api/debug/flush", ""); code != http.StatusOK || !resp.Ok {
		t.Fatalf("Flush failed: %d %+v", code, resp)
	}

	_, resp := send(t, r, http.MethodGet, "/api/debug/metrics", "")
	if resp.Metrics == nil || resp.Metrics.StorageWrites != 1 {
		t.Fatalf("Expected one write in metrics, got %+v", resp.Metrics)
	}

	send(t, r, http.MethodPost, "/api/debug/reset-metrics", "")
	_, resp = send(t, r, http.MethodPost, "/api/message", `{"type":"_DEBUG_GET_METRICS"}`)
	if resp.Metrics == nil || resp.Metrics.StorageWrites != 0 {
		t.Errorf("Expected metrics reset, got %+v", resp.Metrics)
	}
}

func TestAuthRequired(t *testing.T) {
	r := setupTestRouter(t)
	config.Config.ApiSecret = "s3cret"

	if code, _ := send(t, r, http.MethodGet, "/api/state", ""); code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without secret, got %d", code)
	}
	if code, _ := send(t, r, http.MethodGet, "/api/state", "", "X-Settingsync-Secret", "s3cret"); code != http.StatusOK {
		t.Errorf("Expected 200 with secret, got %d", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Health must not require auth, got %d", w.Code)
	}
}
