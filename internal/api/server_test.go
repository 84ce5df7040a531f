package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerrad567/voltlink-core/internal/device"
	"github.com/nerrad567/voltlink-core/internal/discovery"
	"github.com/nerrad567/voltlink-core/internal/infrastructure/config"
	"github.com/nerrad567/voltlink-core/internal/infrastructure/logging"
)

const testJWTSecret = "test-secret-for-handler-tests-0123456789"
const testOperatorKey = "operator-key-for-tests"

// fakeScanner scripts scan outcomes for handler tests.
type fakeScanner struct {
	report    *discovery.Report
	last      *discovery.Report
	gotScope  []string
	triggered int
}

func (f *fakeScanner) Trigger(_ context.Context, scope []string) *discovery.Report {
	f.triggered++
	f.gotScope = scope
	return f.report
}

func (f *fakeScanner) LastReport() *discovery.Report {
	return f.last
}

func setupTestRegistry(t *testing.T) *device.Registry {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE devices (
			device_id TEXT PRIMARY KEY,
			family TEXT NOT NULL,
			serial_number TEXT NOT NULL,
			current_channel TEXT NOT NULL DEFAULT '',
			last_known_channel TEXT NOT NULL DEFAULT '',
			channel_history TEXT NOT NULL DEFAULT '[]',
			adapter_config TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'discovering',
			failure_count INTEGER NOT NULL DEFAULT 0,
			next_retry_time TEXT,
			first_discovered TEXT NOT NULL,
			last_seen TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;
		CREATE UNIQUE INDEX idx_devices_serial_number ON devices(serial_number);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to create test schema: %v", err)
	}

	return device.NewRegistry(device.NewSQLiteRepository(db))
}

// newTestServer builds a server with an in-memory registry and fake scanner.
func newTestServer(t *testing.T, scanner *fakeScanner) (*Server, *device.Registry) {
	t.Helper()

	registry := setupTestRegistry(t)
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")

	if scanner == nil {
		scanner = &fakeScanner{report: &discovery.Report{PassID: "p-1"}}
	}

	srv, err := New(Deps{
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{
				Secret:         testJWTSecret,
				AccessTokenTTL: 15,
				OperatorKey:    testOperatorKey,
			},
		},
		Logger:   logger,
		Registry: registry,
		Scanner:  scanner,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.hub = NewHub(logger)

	return srv, registry
}

// login performs a real login and returns the bearer token.
func login(t *testing.T, handler http.Handler) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"operator_key": testOperatorKey})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing login response: %v", err)
	}
	return resp.AccessToken
}

func authedRequest(t *testing.T, handler http.Handler, token, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	handler := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

func TestLogin(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	handler := srv.buildRouter()

	t.Run("valid key issues token", func(t *testing.T) {
		token := login(t, handler)
		if token == "" {
			t.Fatal("empty access token")
		}
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"operator_key": "wrong"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("invalid body rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte("{not json")))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	handler := srv.buildRouter()

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := authedRequest(t, handler, "not-a-jwt", http.MethodGet, "/api/v1/devices", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid token passes", func(t *testing.T) {
		token := login(t, handler)
		rec := authedRequest(t, handler, token, http.MethodGet, "/api/v1/devices", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}

func TestListDevices(t *testing.T) {
	srv, registry := newTestServer(t, nil)
	handler := srv.buildRouter()
	token := login(t, handler)
	ctx := context.Background()

	if _, _, err := registry.Register(ctx, device.FamilyMeter, "M-1001", "/dev/ttyUSB0", nil); err != nil {
		t.Fatalf("registering device: %v", err)
	}
	if _, _, err := registry.Register(ctx, device.FamilyBattery, "B-2002", "/dev/ttyUSB1", nil); err != nil {
		t.Fatalf("registering device: %v", err)
	}

	t.Run("all devices", func(t *testing.T) {
		rec := authedRequest(t, handler, token, http.MethodGet, "/api/v1/devices", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		var resp struct {
			Devices []deviceResponse `json:"devices"`
			Count   int              `json:"count"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("parsing response: %v", err)
		}
		if resp.Count != 2 {
			t.Errorf("count = %d, want 2", resp.Count)
		}
	})

	t.Run("filtered by status", func(t *testing.T) {
		rec := authedRequest(t, handler, token, http.MethodGet, "/api/v1/devices?status=active", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("parsing response: %v", err)
		}
		if resp.Count != 2 {
			t.Errorf("count = %d, want 2", resp.Count)
		}

		rec = authedRequest(t, handler, token, http.MethodGet, "/api/v1/devices?status=disabled", nil)
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("parsing response: %v", err)
		}
		if resp.Count != 0 {
			t.Errorf("disabled count = %d, want 0", resp.Count)
		}
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		rec := authedRequest(t, handler, token, http.MethodGet, "/api/v1/devices?status=sleeping", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestGetDevice(t *testing.T) {
	srv, registry := newTestServer(t, nil)
	handler := srv.buildRouter()
	token := login(t, handler)

	created, _, err := registry.Register(context.Background(), device.FamilyMeter, "M-1001", "/dev/ttyUSB0", nil)
	if err != nil {
		t.Fatalf("registering device: %v", err)
	}

	t.Run("existing device", func(t *testing.T) {
		rec := authedRequest(t, handler, token, http.MethodGet, "/api/v1/devices/"+created.DeviceID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		var resp deviceResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("parsing response: %v", err)
		}
		if resp.DeviceID != created.DeviceID {
			t.Errorf("device_id = %q, want %q", resp.DeviceID, created.DeviceID)
		}
		if resp.SerialNumber != "M-1001" {
			t.Errorf("serial_number = %q, want M-1001", resp.SerialNumber)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		rec := authedRequest(t, handler, token, http.MethodGet, "/api/v1/devices/meter-nothere", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestReactivateDevice(t *testing.T) {
	srv, registry := newTestServer(t, nil)
	handler := srv.buildRouter()
	token := login(t, handler)
	ctx := context.Background()

	created, _, err := registry.Register(ctx, device.FamilyMeter, "M-1001", "/dev/ttyUSB0", nil)
	if err != nil {
		t.Fatalf("registering device: %v", err)
	}

	t.Run("active device conflicts", func(t *testing.T) {
		rec := authedRequest(t, handler, token, http.MethodPost, "/api/v1/devices/"+created.DeviceID+"/reactivate", nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("disabled device reactivates", func(t *testing.T) {
		// Drive the device to disabled via repeated misses.
		retry := time.Now().Add(time.Minute)
		for i := 0; i < 3; i++ {
			if _, err := registry.RecordMiss(ctx, created.DeviceID, func(int) time.Time { return retry }, 3); err != nil {
				t.Fatalf("recording miss: %v", err)
			}
		}

		rec := authedRequest(t, handler, token, http.MethodPost, "/api/v1/devices/"+created.DeviceID+"/reactivate", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}

		var resp deviceResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("parsing response: %v", err)
		}
		if resp.Status != device.StatusMissing {
			t.Errorf("status = %q, want missing", resp.Status)
		}
		if resp.FailureCount != 0 {
			t.Errorf("failure_count = %d, want 0", resp.FailureCount)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		rec := authedRequest(t, handler, token, http.MethodPost, "/api/v1/devices/meter-nothere/reactivate", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestScanEndpoint(t *testing.T) {
	t.Run("full scan", func(t *testing.T) {
		scanner := &fakeScanner{report: &discovery.Report{PassID: "p-42"}}
		srv, _ := newTestServer(t, scanner)
		handler := srv.buildRouter()
		token := login(t, handler)

		rec := authedRequest(t, handler, token, http.MethodPost, "/api/v1/discovery/scan", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if scanner.triggered != 1 {
			t.Errorf("triggered = %d, want 1", scanner.triggered)
		}
		if scanner.gotScope != nil {
			t.Errorf("scope = %v, want nil", scanner.gotScope)
		}
	})

	t.Run("scoped scan", func(t *testing.T) {
		scanner := &fakeScanner{report: &discovery.Report{PassID: "p-43", Scope: []string{"meter-m1001"}}}
		srv, _ := newTestServer(t, scanner)
		handler := srv.buildRouter()
		token := login(t, handler)

		body, _ := json.Marshal(map[string]any{"scope": []string{"meter-m1001"}})
		rec := authedRequest(t, handler, token, http.MethodPost, "/api/v1/discovery/scan", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if len(scanner.gotScope) != 1 || scanner.gotScope[0] != "meter-m1001" {
			t.Errorf("scope = %v, want [meter-m1001]", scanner.gotScope)
		}
	})

	t.Run("overlapping scan conflicts", func(t *testing.T) {
		scanner := &fakeScanner{report: &discovery.Report{PassID: "p-44", Skipped: true}}
		srv, _ := newTestServer(t, scanner)
		handler := srv.buildRouter()
		token := login(t, handler)

		rec := authedRequest(t, handler, token, http.MethodPost, "/api/v1/discovery/scan", nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("invalid body rejected", func(t *testing.T) {
		scanner := &fakeScanner{report: &discovery.Report{PassID: "p-45"}}
		srv, _ := newTestServer(t, scanner)
		handler := srv.buildRouter()
		token := login(t, handler)

		rec := authedRequest(t, handler, token, http.MethodPost, "/api/v1/discovery/scan", []byte("{bad"))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
		if scanner.triggered != 0 {
			t.Errorf("triggered = %d, want 0", scanner.triggered)
		}
	})
}

func TestLastReportEndpoint(t *testing.T) {
	t.Run("no pass yet", func(t *testing.T) {
		scanner := &fakeScanner{}
		srv, _ := newTestServer(t, scanner)
		handler := srv.buildRouter()
		token := login(t, handler)

		rec := authedRequest(t, handler, token, http.MethodGet, "/api/v1/discovery/last", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("returns last report", func(t *testing.T) {
		scanner := &fakeScanner{last: &discovery.Report{PassID: "p-99"}}
		srv, _ := newTestServer(t, scanner)
		handler := srv.buildRouter()
		token := login(t, handler)

		rec := authedRequest(t, handler, token, http.MethodGet, "/api/v1/discovery/last", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		var resp discovery.Report
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("parsing response: %v", err)
		}
		if resp.PassID != "p-99" {
			t.Errorf("pass_id = %q, want p-99", resp.PassID)
		}
	})
}

func TestWSTicketFlow(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	handler := srv.buildRouter()
	token := login(t, handler)

	t.Run("ticket requires auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/ws-ticket", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("ticket issued and single use", func(t *testing.T) {
		rec := authedRequest(t, handler, token, http.MethodPost, "/api/v1/auth/ws-ticket", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}

		var resp struct {
			Ticket string `json:"ticket"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("parsing response: %v", err)
		}
		if resp.Ticket == "" {
			t.Fatal("empty ticket")
		}

		if !srv.tickets.consume(resp.Ticket) {
			t.Error("fresh ticket should validate")
		}
		if srv.tickets.consume(resp.Ticket) {
			t.Error("consumed ticket should not validate twice")
		}
	})

	t.Run("ws without ticket rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestNewValidation(t *testing.T) {
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")
	registry := setupTestRegistry(t)
	scanner := &fakeScanner{}

	tests := []struct {
		name string
		deps Deps
	}{
		{"missing logger", Deps{Registry: registry, Scanner: scanner}},
		{"missing registry", Deps{Logger: logger, Scanner: scanner}},
		{"missing scanner", Deps{Logger: logger, Registry: registry}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}
