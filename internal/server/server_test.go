package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/assert/v2"
	"github.com/tidwall/gjson"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/internal/server"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/config"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/document/documenttest"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/logging"
)

// --- Test Suite Setup ---

func newTestServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Server.RateLimit.Requests = 0
	if mutate != nil {
		mutate(cfg)
	}
	app := server.NewApp(logging.Discard(), context.Background(), cfg, &documenttest.Engine{})
	ts := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		_ = app.Shutdown()
		ts.Close()
	})
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any) (int, gjson.Result) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp.StatusCode, gjson.ParseBytes(out.Bytes())
}

func createSession(t *testing.T, ts *httptest.Server, userName string) gjson.Result {
	t.Helper()
	status, body := doJSON(t, ts, http.MethodPost, "/sessions", map[string]string{"userName": userName})
	if status != http.StatusOK {
		t.Fatalf("Expected 200 creating session, got %d: %s", status, body.Raw)
	}
	return body
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(frame string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		c.t.Fatalf("Failed to write frame: %v", err)
	}
}

// expect reads frames until one of type typ arrives.
func (c *wsClient) expect(typ string) gjson.Result {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, msg, err := c.conn.Read(ctx)
		if err != nil {
			c.t.Fatalf("Expected %q frame, read failed: %v", typ, err)
		}
		frame := gjson.ParseBytes(msg)
		if frame.Get("type").String() == typ {
			return frame
		}
	}
}

// --- REST Tests ---

func TestCreateAndGetSession(t *testing.T) {
	ts := newTestServer(t, nil)

	created := createSession(t, ts, "Alice")
	assert.Equal(t, "owner", created.Get("role").String())
	assert.Equal(t, 6, len(created.Get("inviteCode").String()))

	status, body := doJSON(t, ts, http.MethodGet, "/sessions/"+created.Get("sessionId").String(), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, created.Get("inviteCode").String(), body.Get("inviteCode").String())
	assert.Equal(t, "Alice", body.Get("users.0.name").String())
	assert.Equal(t, "Alice's Session", body.Get("name").String())

	status, body = doJSON(t, ts, http.MethodGet, "/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, true, body.Get("error").Exists())
}

func TestJoinSessionOverREST(t *testing.T) {
	ts := newTestServer(t, nil)
	created := createSession(t, ts, "Alice")
	sessionID := created.Get("sessionId").String()
	code := created.Get("inviteCode").String()

	status, body := doJSON(t, ts, http.MethodPost, "/sessions/"+sessionID+"/join",
		map[string]string{"userName": "Bob", "role": "owner", "inviteCode": code})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "viewer", body.Get("role").String())
	assert.Equal(t, int64(2), body.Get("users.#").Int())

	status, body = doJSON(t, ts, http.MethodPost, "/sessions/"+sessionID+"/join",
		map[string]string{"userName": "Eve", "inviteCode": strings.ToLower(code)})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, true, body.Get("error").Exists())

	status, _ = doJSON(t, ts, http.MethodPost, "/sessions/missing/join", map[string]string{"userName": "Eve"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestInviteLookup(t *testing.T) {
	ts := newTestServer(t, nil)
	created := createSession(t, ts, "Alice")

	status, body := doJSON(t, ts, http.MethodGet, "/sessions/invite/"+created.Get("inviteCode").String(), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, created.Get("sessionId").String(), body.Get("id").String())
	assert.Equal(t, int64(1), body.Get("userCount").Int())
	assert.Equal(t, false, body.Get("users").Exists())

	status, _ = doJSON(t, ts, http.MethodGet, "/sessions/invite/ZZZZZZ", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestLeaveAndRoleOverREST(t *testing.T) {
	ts := newTestServer(t, nil)
	created := createSession(t, ts, "Alice")
	sessionID := created.Get("sessionId").String()
	ownerID := created.Get("userId").String()
	_, joined := doJSON(t, ts, http.MethodPost, "/sessions/"+sessionID+"/join",
		map[string]string{"userName": "Bob", "role": "viewer"})
	bobID := joined.Get("userId").String()

	status, body := doJSON(t, ts, http.MethodPost, "/sessions/"+sessionID+"/role",
		map[string]string{"requesterId": bobID, "targetUserId": ownerID, "role": "viewer"})
	assert.Equal(t, http.StatusForbidden, status)

	status, body = doJSON(t, ts, http.MethodPost, "/sessions/"+sessionID+"/role",
		map[string]string{"requesterId": ownerID, "targetUserId": bobID, "role": "editor"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "editor", body.Get("role").String())

	status, _ = doJSON(t, ts, http.MethodPost, "/sessions/"+sessionID+"/leave", map[string]string{"userId": bobID})
	assert.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, ts, http.MethodPost, "/sessions/"+sessionID+"/leave", map[string]string{"userId": bobID})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doJSON(t, ts, http.MethodPost, "/sessions/"+sessionID+"/leave", map[string]string{"userId": ownerID})
	assert.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, ts, http.MethodGet, "/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.Client().Post(ts.URL+"/sessions", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit.Requests = 2
		cfg.Server.RateLimit.Window = time.Hour
	})

	for i := 0; i < 2; i++ {
		status, _ := doJSON(t, ts, http.MethodGet, "/sessions/missing", nil)
		assert.Equal(t, http.StatusNotFound, status)
	}
	status, _ := doJSON(t, ts, http.MethodGet, "/sessions/missing", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)

	// operational endpoints are not rate limited
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOperationalEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	createSession(t, ts, "Alice")

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := ts.Client().Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	assert.Equal(t, true, strings.Contains(out.String(), "circuitsync_sessions 1"))
}

// --- Socket Tests ---

func TestCollaborationOverSockets(t *testing.T) {
	ts := newTestServer(t, nil)
	created := createSession(t, ts, "Alice")
	sessionID := created.Get("sessionId").String()
	aliceID := created.Get("userId").String()
	_, joined := doJSON(t, ts, http.MethodPost, "/sessions/"+sessionID+"/join",
		map[string]string{"userName": "Bob", "role": "viewer", "inviteCode": created.Get("inviteCode").String()})
	bobID := joined.Get("userId").String()

	alice := dial(t, ts)
	alice.send(`{"type":"join","sessionId":"` + sessionID + `","userId":"` + aliceID + `"}`)
	assert.Equal(t, "owner", alice.expect("init").Get("role").String())

	bob := dial(t, ts)
	bob.send(`{"type":"join","sessionId":"` + sessionID + `","userId":"` + bobID + `"}`)
	assert.Equal(t, "viewer", bob.expect("init").Get("role").String())
	assert.Equal(t, bobID, alice.expect("user-connected").Get("userId").String())

	bob.send(`{"type":"sync","update":[9]}`)
	assert.Equal(t, "PermissionDenied", bob.expect("error").Get("code").String())

	alice.send(`{"type":"sync","update":[1,2,3]}`)
	assert.Equal(t, "[1,2,3]", bob.expect("sync").Get("update").Raw)

	bob.send(`{"type":"awareness","state":{"cursor":{"x":10,"y":20}}}`)
	aw := alice.expect("awareness")
	assert.Equal(t, bobID, aw.Get("userId").String())
	assert.Equal(t, int64(20), aw.Get("state.cursor.y").Int())

	bob.conn.Close(websocket.StatusNormalClosure, "")
	assert.Equal(t, bobID, alice.expect("user-disconnected").Get("userId").String())
}

func TestSocketJoinFailureClosesConnection(t *testing.T) {
	ts := newTestServer(t, nil)

	c := dial(t, ts)
	c.send(`{"type":"join","sessionId":"missing","userId":"nobody"}`)
	assert.Equal(t, "SessionNotFound", c.expect("error").Get("code").String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.conn.Read(ctx)
	assert.Equal(t, true, err != nil)
}

func TestConnectionLimitRejects(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.ConnectionLimit.MaxPerIP = 1
		cfg.Server.ConnectionLimit.Mode = "reject"
	})
	first := dial(t, ts)
	// an answered frame proves the relay tracks the first socket
	first.send(`{"type":"sync","update":[1]}`)
	assert.Equal(t, "NotJoined", first.expect("error").Get("code").String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	assert.Equal(t, true, err != nil)
	if resp != nil {
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	}
}
