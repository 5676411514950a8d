package aggregator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/kestrel-io/hitprof/internal/config"
)

func TestSanitizeIPCollapsesNonDigits(t *testing.T) {
	if got := sanitizeIP("::ffff:127.0.0.1"); got != "127.0.0.1" {
		t.Fatalf("sanitizeIP = %q", got)
	}
}

func TestSanitizeSourceKeyCollapsesSpecialChars(t *testing.T) {
	if got := sanitizeSourceKey("my service!!name"); got != "my-service-name" {
		t.Fatalf("sanitizeSourceKey = %q", got)
	}
}

func TestDeriveSourceKeyWithoutClientKey(t *testing.T) {
	if got := deriveSourceKey("10.0.0.1", ""); got != "10.0.0.1" {
		t.Fatalf("deriveSourceKey = %q", got)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	return New(Config{
		LogPath:     filepath.Join(root, "logs"),
		ArchivePath: filepath.Join(root, "archive"),
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestFeedWithoutCtsReturnsNoContent(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/feed", map[string]interface{}{
		"bucketKey": "b",
		"text":      "hello",
		"sourceKey": "svc",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestEnabledPollReturnsOKWhenEnabled(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/e", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestEnabledPollReturnsNoContentWhenDisabled(t *testing.T) {
	s := newTestServer(t)
	s.SetEnabled(false)
	rec := doJSON(t, s, http.MethodGet, "/e", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestConfRequiresCts(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/conf", map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestConfReturnsCurrentConfigAndDelta(t *testing.T) {
	s := newTestServer(t)
	s.deltas.Set("enabled", config.BoolValue(true), "commandFile", config.ChangeTimes{Cmd: ptrInt64(5)})

	rec := doJSON(t, s, http.MethodPost, "/conf", map[string]interface{}{"cts": []interface{}{0, 0}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp deltaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.DeltaConfig) != 1 {
		t.Fatalf("expected one delta entry, got %+v", resp.DeltaConfig)
	}
	if v, ok := resp.CurrentConfig["enabled"]; !ok || !v.Equal(config.BoolValue(true)) {
		t.Fatalf("expected currentConfig to carry enabled=true, got %+v", resp.CurrentConfig)
	}
}

func TestDeltaForExcludesKeysClientAlreadySaw(t *testing.T) {
	s := newTestServer(t)
	s.deltas.Set("enabled", config.BoolValue(true), "commandFile", config.ChangeTimes{Cmd: ptrInt64(5)})

	rec := doJSON(t, s, http.MethodPost, "/conf", map[string]interface{}{"cts": []interface{}{10, 0}})
	var resp deltaResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.DeltaConfig) != 0 {
		t.Fatalf("expected no delta for caught-up client, got %+v", resp.DeltaConfig)
	}
}

func TestFeedWithCtsReturnsCurrentConfig(t *testing.T) {
	s := newTestServer(t)
	s.deltas.Set("enabled", config.BoolValue(true), "commandFile", config.ChangeTimes{Cmd: ptrInt64(5)})

	rec := doJSON(t, s, http.MethodPost, "/feed", map[string]interface{}{
		"bucketKey": "b",
		"text":      "hello",
		"sourceKey": "svc",
		"cts":       []interface{}{0, 0},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp deltaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.DeltaConfig) != 1 {
		t.Fatalf("expected one delta entry, got %+v", resp.DeltaConfig)
	}
	if len(resp.CurrentConfig) == 0 {
		t.Fatalf("expected /feed's 200 response to carry currentConfig like /conf does, got %+v", resp)
	}
}

func TestResetConfigClearsDeltaStore(t *testing.T) {
	s := newTestServer(t)
	s.deltas.Set("enabled", config.BoolValue(true), "commandFile", config.ChangeTimes{Cmd: ptrInt64(5)})

	rec := doJSON(t, s, http.MethodPost, "/admin/reset-config", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(s.deltas.Current()) != 0 {
		t.Fatalf("expected reset-config to clear the current record, got %+v", s.deltas.Current())
	}
}

func TestCORSPreflightIsHandled(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodOptions, "/feed", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header on preflight response, got %+v", rec.Header())
	}
}

func ptrInt64(v int64) *int64 { return &v }
