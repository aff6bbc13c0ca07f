package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anubissbe/remote-docker-continued/internal/connmgr"
	"github.com/anubissbe/remote-docker-continued/internal/database"
	"github.com/anubissbe/remote-docker-continued/internal/dockerremote"
	"github.com/anubissbe/remote-docker-continued/internal/environment"
	"github.com/anubissbe/remote-docker-continued/internal/lifecycle"
	"github.com/anubissbe/remote-docker-continued/internal/logging"
	"github.com/anubissbe/remote-docker-continued/internal/sshtunnel"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type fakeTunnels struct {
	mu      sync.Mutex
	live    map[string]bool
	openErr error
}

func (f *fakeTunnels) Open(_ context.Context, host environment.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.live[host.Key()] = true
	return nil
}

func (f *fakeTunnels) Close(_ context.Context, host environment.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, host.Key())
	return nil
}

func (f *fakeTunnels) Status(_ context.Context, host environment.Host) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[host.Key()]
}

func (f *fakeTunnels) List() []sshtunnel.ConnectionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sshtunnel.ConnectionInfo
	for key := range f.live {
		out = append(out, sshtunnel.ConnectionInfo{Key: key})
	}
	return out
}

type fakeDocker struct {
	err error
}

func (f *fakeDocker) SystemInfo(_ context.Context, host environment.Host) (*dockerremote.Info, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dockerremote.Info{Name: host.Address, ServerVersion: "27.0.0"}, nil
}

var testCatalog = environment.Settings{
	Environments: []environment.Environment{
		{ID: "env1", Name: "One", HostAddress: "one.example.com", Principal: "root"},
		{ID: "env2", Name: "Two", HostAddress: "two.example.com", Principal: "deploy"},
	},
}

// setupTestDB wires the package globals to a fresh database and manager.
func setupTestDB(t *testing.T) (*fakeTunnels, func()) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	database.DB = db

	store := database.NewStore(db)
	if err := store.Save(context.Background(), testCatalog); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}

	tunnels := &fakeTunnels{live: make(map[string]bool)}
	Lifecycle = lifecycle.NewBus()
	ConnMgr = connmgr.New(store, tunnels, connmgr.Options{
		CheckInterval:  time.Hour,
		RegainDebounce: 5 * time.Millisecond,
		Lifecycle:      Lifecycle,
	})
	if err := ConnMgr.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	WireEvents(ConnMgr)
	Tunnels = tunnels
	Docker = &fakeDocker{}

	return tunnels, func() {
		ConnMgr.Stop()
		database.Close()
		database.DB = nil
	}
}

func newChiRequest(method, path string, params map[string]string) *http.Request {
	return newChiRequestWithBody(method, path, params, nil)
}

func newChiRequestWithBody(method, path string, params map[string]string, body []byte) *http.Request {
	r := httptest.NewRequest(method, path, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeState(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHello(t *testing.T) {
	w := httptest.NewRecorder()
	Hello(w, newChiRequest("GET", "/hello", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	HealthCheck(w, newChiRequest("GET", "/health", nil))

	resp := decodeState(t, w)
	if resp["status"] != "healthy" || resp["database"] != "connected" {
		t.Errorf("health = %v", resp)
	}
	if resp["tunnel"] != "disconnected" {
		t.Errorf("tunnel = %v, want disconnected", resp["tunnel"])
	}
}

func TestSelectEnvironment_OK(t *testing.T) {
	tunnels, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	SelectEnvironment(w, newChiRequestWithBody("POST", "/environment/select", nil, []byte(`{"id":"env1"}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeState(t, w)
	if resp["status"] != "connected" || resp["isConnected"] != true {
		t.Errorf("response = %v", resp)
	}
	if !tunnels.Status(context.Background(), testCatalog.Environments[0].Host()) {
		t.Error("tunnel not opened")
	}

	stored, err := database.NewStore(database.DB).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stored.ActiveEnvironmentID != "env1" {
		t.Errorf("stored active = %q, want env1", stored.ActiveEnvironmentID)
	}
}

func TestSelectEnvironment_BadBody(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	SelectEnvironment(w, newChiRequestWithBody("POST", "/environment/select", nil, []byte(`{`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSelectEnvironment_Unknown(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	SelectEnvironment(w, newChiRequestWithBody("POST", "/environment/select", nil, []byte(`{"id":"missing"}`)))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSelectEnvironment_OpenFailureReportedInState(t *testing.T) {
	tunnels, cleanup := setupTestDB(t)
	defer cleanup()
	tunnels.openErr = errors.New("auth failed")

	w := httptest.NewRecorder()
	SelectEnvironment(w, newChiRequestWithBody("POST", "/environment/select", nil, []byte(`{"id":"env2"}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeState(t, w)
	if resp["status"] != "error" || resp["lastError"] != "auth failed" || resp["isConnected"] != false {
		t.Errorf("response = %v", resp)
	}
}

func TestGetActiveEnvironment(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	GetActiveEnvironment(w, newChiRequest("GET", "/environment/active", nil))
	if resp := decodeState(t, w); resp["environment"] != nil {
		t.Errorf("environment = %v, want null", resp["environment"])
	}

	ConnMgr.SelectEnvironment(context.Background(), "env2")

	w = httptest.NewRecorder()
	GetActiveEnvironment(w, newChiRequest("GET", "/environment/active", nil))
	resp := decodeState(t, w)
	env, _ := resp["environment"].(map[string]interface{})
	if env["id"] != "env2" || env["hostname"] != "two.example.com" || env["username"] != "deploy" {
		t.Errorf("environment = %v", resp["environment"])
	}
}

func TestDisconnectAndReconnect(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()
	ConnMgr.SelectEnvironment(context.Background(), "env1")

	w := httptest.NewRecorder()
	DisconnectTunnel(w, newChiRequest("POST", "/tunnel/disconnect", nil))
	resp := decodeState(t, w)
	if resp["status"] != "disconnected" {
		t.Errorf("after disconnect: %v", resp)
	}
	active, _ := resp["activeEnvironment"].(map[string]interface{})
	if active["id"] != "env1" {
		t.Errorf("disconnect changed the selection: %v", resp["activeEnvironment"])
	}

	w = httptest.NewRecorder()
	ReconnectTunnel(w, newChiRequest("POST", "/tunnel/reconnect", nil))
	if resp := decodeState(t, w); resp["status"] != "connected" {
		t.Errorf("after reconnect: %v", resp)
	}
}

func TestReconnect_NoSelection(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	ReconnectTunnel(w, newChiRequest("POST", "/tunnel/reconnect", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestGetTunnelTransitions(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	GetTunnelTransitions(w, newChiRequest("GET", "/tunnel/transitions", nil))
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty history = %q, want []", w.Body.String())
	}

	ConnMgr.SelectEnvironment(context.Background(), "env1")
	w = httptest.NewRecorder()
	GetTunnelTransitions(w, newChiRequest("GET", "/tunnel/transitions", nil))

	var transitions []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&transitions); err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 2 || transitions[1]["to"] != "connected" {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestGetSettingsAndUpdate(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	GetSettings(w, newChiRequest("GET", "/settings", nil))
	var s environment.Settings
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if len(s.Environments) != 2 {
		t.Fatalf("settings = %+v", s)
	}

	body := `{"environments":[{"id":"env2","name":"Two","hostname":"two.example.com","username":"deploy"}],"autoConnect":true}`
	w = httptest.NewRecorder()
	UpdateSettings(w, newChiRequestWithBody("POST", "/settings", nil, []byte(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := ConnMgr.Settings()
	if len(got.Environments) != 1 || !got.AutoConnect {
		t.Errorf("settings after update = %+v", got)
	}
}

func TestUpdateSettings_Invalid(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	body := `{"environments":[{"id":"x","name":"X","hostname":"bad;host","username":"root"}]}`
	w := httptest.NewRecorder()
	UpdateSettings(w, newChiRequestWithBody("POST", "/settings", nil, []byte(body)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAddEnvironment(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	AddEnvironment(w, newChiRequestWithBody("POST", "/environments", nil,
		[]byte(`{"name":"Lab","hostname":"lab.example.com:2222","username":"ops"}`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var env environment.Environment
	json.NewDecoder(w.Body).Decode(&env)
	if env.ID == "" || env.HostAddress != "lab.example.com:2222" {
		t.Errorf("env = %+v", env)
	}

	w = httptest.NewRecorder()
	AddEnvironment(w, newChiRequestWithBody("POST", "/environments", nil,
		[]byte(`{"name":"Bad","hostname":"lab.example.com","username":"$(id)"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad username, got %d", w.Code)
	}
}

func TestGetTunnelStatus(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	GetTunnelStatus(w, newChiRequest("GET", "/tunnel/status?hostname=one.example.com", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing username: expected 400, got %d", w.Code)
	}

	ConnMgr.SelectEnvironment(context.Background(), "env1")
	w = httptest.NewRecorder()
	GetTunnelStatus(w, newChiRequest("GET", "/tunnel/status?hostname=one.example.com&username=root", nil))
	resp := decodeState(t, w)
	if resp["active"] != true || resp["key"] != "root@one.example.com" {
		t.Errorf("status = %v", resp)
	}
}

func TestListTunnels(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()
	ConnMgr.SelectEnvironment(context.Background(), "env2")

	w := httptest.NewRecorder()
	ListTunnels(w, newChiRequest("GET", "/tunnel/list", nil))
	var resp struct {
		Tunnels []sshtunnel.ConnectionInfo `json:"tunnels"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Tunnels) != 1 || resp.Tunnels[0].Key != "deploy@two.example.com" {
		t.Errorf("tunnels = %+v", resp.Tunnels)
	}
}

func TestPublishLifecycle(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()
	ConnMgr.SelectEnvironment(context.Background(), "env1")
	ConnMgr.ManualDisconnect(context.Background())
	ConnMgr.ManualReconnect(context.Background())

	w := httptest.NewRecorder()
	PublishLifecycle(w, newChiRequest("POST", "/lifecycle/blur", map[string]string{"event": "blur"}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown event: expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	PublishLifecycle(w, newChiRequest("POST", "/lifecycle/focusRegained", map[string]string{"event": "focusRegained"}))
	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", w.Code)
	}
}

func TestGetDockerInfo(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	GetDockerInfo(w, newChiRequest("GET", "/docker/info", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("not connected: expected 503, got %d", w.Code)
	}

	ConnMgr.SelectEnvironment(context.Background(), "env1")
	w = httptest.NewRecorder()
	GetDockerInfo(w, newChiRequest("GET", "/docker/info", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeState(t, w)
	if resp["name"] != "one.example.com" {
		t.Errorf("info = %v", resp)
	}

	Docker = &fakeDocker{err: errors.New("daemon down")}
	w = httptest.NewRecorder()
	GetDockerInfo(w, newChiRequest("GET", "/docker/info", nil))
	if w.Code != http.StatusBadGateway {
		t.Errorf("daemon error: expected 502, got %d", w.Code)
	}
}

func TestServerLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend.log")
	logging.Init(path, "info")
	defer logging.Init("", "info")

	w := httptest.NewRecorder()
	GetServerLogs(w, newChiRequest("GET", "/logs?lines=5", nil))
	resp := decodeState(t, w)
	if !strings.Contains(resp["logs"].(string), "Logging to file") {
		t.Errorf("logs = %q", resp["logs"])
	}

	w = httptest.NewRecorder()
	ClearServerLogs(w, newChiRequest("DELETE", "/logs", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
}

func TestStateEvents(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(StateEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var msg eventMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Type != "state" || msg.State == nil || msg.State.Status != connmgr.StatusDisconnected {
		t.Errorf("snapshot = %+v", msg)
	}

	go ConnMgr.SelectEnvironment(context.Background(), "env1")

	for {
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read transition: %v", err)
		}
		if msg.Type == "transition" && msg.Transition.To == connmgr.StatusConnected {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestSetAutoConnect(t *testing.T) {
	_, cleanup := setupTestDB(t)
	defer cleanup()

	w := httptest.NewRecorder()
	SetAutoConnect(w, newChiRequestWithBody("PUT", "/settings/auto-connect", nil, []byte(`{"autoConnect":true}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	stored, err := database.NewStore(database.DB).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !stored.AutoConnect {
		t.Error("autoConnect not persisted")
	}
}
