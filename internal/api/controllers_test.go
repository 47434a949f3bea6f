package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-core/internal/engine"
	"copytrade-core/internal/events"
	"copytrade-core/internal/monitor"
	"copytrade-core/pkg/db"
)

type stubEngine struct {
	mu       sync.Mutex
	running  bool
	accounts []engine.AccountInput
	startErr error
	addErr   error
}

func (e *stubEngine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	if e.running {
		return engine.ErrAlreadyRunning
	}
	e.running = true
	return nil
}

func (e *stubEngine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return engine.ErrNotRunning
	}
	e.running = false
	return nil
}

func (e *stubEngine) StartMonitoring(context.Context, string) error { return engine.ErrNotRunning }
func (e *stubEngine) StopMonitoring(context.Context, string) error  { return engine.ErrNotMonitored }

func (e *stubEngine) AddAccount(_ context.Context, in engine.AccountInput) (*db.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.addErr != nil {
		return nil, e.addErr
	}
	e.accounts = append(e.accounts, in)
	return &db.Account{ID: "acct-1", Name: in.Name, Role: in.Role, Leverage: in.Leverage, Active: true}, nil
}

func (e *stubEngine) RemoveAccount(_ context.Context, id string) error {
	if id == "missing" {
		return db.ErrNotFound
	}
	return nil
}

func (e *stubEngine) AddLink(_ context.Context, l db.CopyLink) (*db.CopyLink, error) {
	if l.MasterID == l.FollowerID {
		return nil, db.ErrInvalidCopyLink
	}
	l.ID = "link-1"
	return &l, nil
}

func (e *stubEngine) RemoveLink(context.Context, string) error { return nil }

func (e *stubEngine) Status() engine.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return engine.Status{IsRunning: e.running, InstanceID: "test", ServerTime: time.Now()}
}

const testSecret = "test-secret"

type testAPI struct {
	srv    *httptest.Server
	engine *stubEngine
	db     *db.Database
	bus    *events.Bus
}

func newTestAPIServer(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))

	hash, err := HashPassword("hunter22")
	require.NoError(t, err)

	eng := &stubEngine{}
	bus := events.NewBus()
	server := NewServer(Config{
		Engine:    eng,
		Store:     database.Queries(),
		Bus:       bus,
		Metrics:   monitor.NewMetrics(),
		Admin:     Admin{Username: "admin", PasswordHash: hash},
		JWTSecret: testSecret,
	})
	httpServer := httptest.NewServer(server.Router)
	t.Cleanup(func() {
		httpServer.Close()
		_ = database.Close()
	})
	return &testAPI{srv: httpServer, engine: eng, db: database, bus: bus}
}

func doJSONRequest(t *testing.T, method, url, token string, payload any, out any) int {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (a *testAPI) login(t *testing.T) string {
	t.Helper()
	var out struct {
		Token string `json:"token"`
	}
	status := doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/auth/login", "",
		map[string]string{"username": "admin", "password": "hunter22"}, &out)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, out.Token)
	return out.Token
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	a := newTestAPIServer(t)

	var health map[string]any
	assert.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodGet, a.srv.URL+"/health", "", nil, &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := http.Get(a.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	a := newTestAPIServer(t)

	var errResp map[string]string
	status := doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/auth/login", "",
		map[string]string{"username": "admin", "password": "wrong"}, &errResp)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_CREDENTIALS", errResp["code"])

	status = doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/auth/login", "",
		map[string]string{"username": "", "password": ""}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)

	token := a.login(t)
	user, err := parseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "admin", user)

	_, err = parseToken(token, "other-secret")
	assert.Error(t, err)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	a := newTestAPIServer(t)

	var errResp map[string]string
	assert.Equal(t, http.StatusUnauthorized, doJSONRequest(t, http.MethodGet, a.srv.URL+"/api/engine/status", "", nil, &errResp))
	assert.Equal(t, "MISSING_TOKEN", errResp["code"])

	assert.Equal(t, http.StatusUnauthorized, doJSONRequest(t, http.MethodGet, a.srv.URL+"/api/engine/status", "garbage", nil, &errResp))
	assert.Equal(t, "INVALID_TOKEN", errResp["code"])

	expired, err := generateToken("admin", testSecret, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, doJSONRequest(t, http.MethodGet, a.srv.URL+"/api/engine/status", expired, nil, &errResp))
}

func TestEngineLifecycleEndpoints(t *testing.T) {
	a := newTestAPIServer(t)
	token := a.login(t)

	var st engine.Status
	assert.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/engine/start", token, nil, &st))
	assert.True(t, st.IsRunning)

	var errResp map[string]string
	assert.Equal(t, http.StatusConflict, doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/engine/start", token, nil, &errResp))
	assert.Equal(t, "ENGINE_ALREADY_RUNNING", errResp["code"])

	var status struct {
		Engine engine.Status `json:"engine"`
	}
	assert.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodGet, a.srv.URL+"/api/engine/status", token, nil, &status))
	assert.True(t, status.Engine.IsRunning)
	assert.Equal(t, "test", status.Engine.InstanceID)

	assert.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/engine/stop", token, nil, &st))
	assert.False(t, st.IsRunning)
	assert.Equal(t, http.StatusConflict, doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/engine/stop", token, nil, &errResp))
	assert.Equal(t, "ENGINE_NOT_RUNNING", errResp["code"])

	assert.Equal(t, http.StatusConflict, doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/engine/masters/m1/stop", token, nil, &errResp))
	assert.Equal(t, "NOT_MONITORED", errResp["code"])
}

func TestAccountEndpoints(t *testing.T) {
	a := newTestAPIServer(t)
	token := a.login(t)

	var errResp map[string]string
	status := doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/accounts", token,
		map[string]any{"name": "alpha", "role": "master"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "MISSING_CREDENTIALS", errResp["code"])

	var acct db.Account
	status = doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/accounts", token,
		map[string]any{"name": "alpha", "role": "master", "leverage": 20, "api_key": "k", "api_secret": "s"}, &acct)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, db.RoleMaster, acct.Role)
	a.engine.mu.Lock()
	require.Len(t, a.engine.accounts, 1)
	assert.Equal(t, "k", a.engine.accounts[0].APIKey)
	a.engine.addErr = assert.AnError
	a.engine.mu.Unlock()
	status = doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/accounts", token,
		map[string]any{"name": "beta", "role": "follower", "credential_ref": "env:BETA"}, &errResp)
	assert.Equal(t, http.StatusBadGateway, status)

	assert.Equal(t, http.StatusNoContent, doJSONRequest(t, http.MethodDelete, a.srv.URL+"/api/accounts/acct-1", token, nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSONRequest(t, http.MethodDelete, a.srv.URL+"/api/accounts/missing", token, nil, &errResp))

	stored := db.Account{Name: "gamma", CredentialRef: "env:G", Role: db.RoleFollower, Leverage: 10, Active: true}
	require.NoError(t, a.db.Queries().CreateAccount(context.Background(), &stored))
	var list struct {
		Accounts []db.Account `json:"accounts"`
	}
	assert.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodGet, a.srv.URL+"/api/accounts", token, nil, &list))
	require.Len(t, list.Accounts, 1)
	assert.Equal(t, "gamma", list.Accounts[0].Name)
}

func TestLinkEndpoints(t *testing.T) {
	a := newTestAPIServer(t)
	token := a.login(t)

	var link db.CopyLink
	status := doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/links", token,
		map[string]any{"master_id": "m", "follower_id": "f", "copy_percentage": 50}, &link)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "link-1", link.ID)

	var errResp map[string]string
	status = doJSONRequest(t, http.MethodPost, a.srv.URL+"/api/links", token,
		map[string]any{"master_id": "m", "follower_id": "m"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errResp["code"])

	var list struct {
		Links []db.CopyLink `json:"links"`
	}
	assert.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodGet, a.srv.URL+"/api/links", token, nil, &list))
	assert.Empty(t, list.Links)
	assert.Equal(t, http.StatusNoContent, doJSONRequest(t, http.MethodDelete, a.srv.URL+"/api/links/link-1", token, nil, nil))
}

func TestTradeAndLogEndpoints(t *testing.T) {
	a := newTestAPIServer(t)
	token := a.login(t)
	ctx := context.Background()
	q := a.db.Queries()

	acct := db.Account{Name: "alpha", CredentialRef: "env:A", Role: db.RoleMaster, Leverage: 10, Active: true}
	require.NoError(t, q.CreateAccount(ctx, &acct))
	for _, id := range []string{"1", "2", "3"} {
		_, err := q.InsertTrade(ctx, &db.Trade{AccountID: acct.ID, Symbol: "XRPUSDT", Side: "BUY", OrderType: "MARKET",
			Quantity: 1, Status: db.StatusFilled, ExchangeOrderID: id, ExchangeTime: time.Now()})
		require.NoError(t, err)
	}
	require.NoError(t, q.AppendSystemLog(ctx, &db.SystemLog{Level: db.LevelWarning, Message: "no links"}))
	require.NoError(t, q.AppendSystemLog(ctx, &db.SystemLog{Level: db.LevelInfo, Message: "started"}))

	var trades struct {
		Trades []db.Trade `json:"trades"`
	}
	assert.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodGet, a.srv.URL+"/api/trades?limit=2&account_id="+acct.ID, token, nil, &trades))
	assert.Len(t, trades.Trades, 2)

	var logs struct {
		Logs []db.SystemLog `json:"logs"`
	}
	assert.Equal(t, http.StatusOK, doJSONRequest(t, http.MethodGet, a.srv.URL+"/api/logs?level=warning", token, nil, &logs))
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, "no links", logs.Logs[0].Message)

	var errResp map[string]string
	assert.Equal(t, http.StatusBadRequest, doJSONRequest(t, http.MethodGet, a.srv.URL+"/api/logs?level=loud", token, nil, &errResp))
}

func TestWebsocketStreamsEvents(t *testing.T) {
	a := newTestAPIServer(t)
	token := a.login(t)
	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until it lands.
	got := make(chan events.Message, 1)
	go func() {
		var msg events.Message
		if err := conn.ReadJSON(&msg); err == nil {
			got <- msg
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		a.bus.Publish(events.EventMonitorState, events.MonitorState{MasterID: "m1", State: "STARTED"})
		select {
		case msg := <-got:
			assert.Equal(t, events.EventMonitorState, msg.Topic)
			return
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
