package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"copydesk/internal/app"
	"copydesk/internal/config"
	"copydesk/internal/db"
	"copydesk/internal/domain"
	"copydesk/internal/engine"
	"copydesk/internal/migrate"
	"copydesk/internal/repo"
	"copydesk/internal/versions"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := app.SeedTemplates(context.Background(), repo.Repo{DB: conn}, cfg); err != nil {
		t.Fatalf("seed templates: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		Versions: versions.New(conn),
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeaders(t *testing.T, subject string, roles ...string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, subject, roles...)}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	author := authHeaders(t, "author-1")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contents/post-1/requests", map[string]any{
		"content_title": "Launch post",
	}, author)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create request status %d: %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if created.Status != "in_progress" || len(created.Stages) != 2 {
		t.Fatalf("created = %+v", created)
	}

	// a second open request for the same content conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contents/post-1/requests", map[string]any{
		"content_title": "Launch post",
	}, author)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate request status %d: %s", res.StatusCode, string(data))
	}

	reviewer := authHeaders(t, "rev-1", "reviewer")
	res, data = doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/requests/"+created.ID+"/stages/"+created.Stages[0].ID+"/actions",
		map[string]any{"action": "approve", "comment": "reads well"}, reviewer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var afterApprove RequestResponse
	if err := json.Unmarshal(data, &afterApprove); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if afterApprove.CurrentStageID == nil || *afterApprove.CurrentStageID != created.Stages[1].ID {
		t.Fatalf("pointer did not advance: %+v", afterApprove)
	}

	manager := authHeaders(t, "mgr-1", "manager")
	res, data = doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/requests/"+created.ID+"/stages/"+created.Stages[1].ID+"/actions",
		map[string]any{"action": "approve", "comment": "ship it"}, manager)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("final approve status %d: %s", res.StatusCode, string(data))
	}
	var done RequestResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if done.Status != "approved" || done.CompletedAt == nil {
		t.Fatalf("final state = %+v", done)
	}

	// activity feed carries the whole trail, newest first
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contents/post-1/activity", nil, author)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activity status %d: %s", res.StatusCode, string(data))
	}
	var feed []ActivityEventResponse
	if err := json.Unmarshal(data, &feed); err != nil {
		t.Fatalf("unmarshal feed: %v", err)
	}
	if len(feed) != 4 || feed[0].Type != "approval_completed" {
		t.Fatalf("feed = %+v", feed)
	}
}

func TestStageActionValidationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	author := authHeaders(t, "author-1")
	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contents/post-1/requests", map[string]any{
		"content_title": "Post",
	}, author)
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	stageURL := srv.URL + "/v0/requests/" + created.ID + "/stages/" + created.Stages[0].ID + "/actions"
	reviewer := authHeaders(t, "rev-1", "reviewer")

	// unknown action token
	res, data := doJSON(t, client, http.MethodPost, stageURL, map[string]any{"action": "publish", "comment": "x"}, reviewer)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown action status %d: %s", res.StatusCode, string(data))
	}

	// comment is mandatory for everything but skip
	res, data = doJSON(t, client, http.MethodPost, stageURL, map[string]any{"action": "approve"}, reviewer)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing comment status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "comment_required" {
		t.Fatalf("error code = %s", envelope.Error.Code)
	}

	// required stages cannot be skipped
	res, data = doJSON(t, client, http.MethodPost, stageURL, map[string]any{"action": "skip"}, reviewer)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("skip required status %d: %s", res.StatusCode, string(data))
	}

	// wrong role is forbidden
	intern := authHeaders(t, "intern-1", "intern")
	res, data = doJSON(t, client, http.MethodPost, stageURL, map[string]any{"action": "approve", "comment": "x"}, intern)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong role status %d: %s", res.StatusCode, string(data))
	}
}

func TestVersionEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	author := authHeaders(t, "author-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contents/post-1/versions", map[string]any{
		"title": "Draft",
		"body":  "A\nB\nC",
	}, author)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("snapshot status %d: %s", res.StatusCode, string(data))
	}
	var v1 VersionResponse
	if err := json.Unmarshal(data, &v1); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contents/post-1/versions", map[string]any{
		"title": "Draft",
		"body":  "A\nX\nC\nD",
	}, author)
	var v2 VersionResponse
	if err := json.Unmarshal(data, &v2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v2.VersionNumber != 2 || !v2.IsCurrent {
		t.Fatalf("v2 = %+v", v2)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/versions/"+v1.ID+"/diff/"+v2.ID, nil, author)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("diff status %d: %s", res.StatusCode, string(data))
	}
	var changes []DiffEntryResponse
	if err := json.Unmarshal(data, &changes); err != nil {
		t.Fatalf("unmarshal diff: %v", err)
	}
	if len(changes) != 2 || changes[0].Kind != "modified" || changes[0].Line != 2 || changes[1].Kind != "added" || changes[1].Line != 4 {
		t.Fatalf("changes = %+v", changes)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/versions/"+v1.ID+"/restore", nil, author)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("restore status %d: %s", res.StatusCode, string(data))
	}
	var restored VersionResponse
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal restored: %v", err)
	}
	if restored.VersionNumber != 3 || restored.Body != "A\nB\nC" {
		t.Fatalf("restored = %+v", restored)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/versions/missing", nil, author)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing version status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// health is open
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	// everything else requires credentials
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/templates", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/templates", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	raw := "local-dev-key"
	err := srv.Engine.Repo.InsertAPIKey(ctx, domain.APIKey{
		ID:      "key-1",
		ActorID: "bot-1",
		Roles:   []string{"reviewer"},
		KeyHash: repo.HashAPIKey(raw),
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/templates", nil, map[string]string{"X-Api-Key": raw})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key status %d: %s", res.StatusCode, string(data))
	}
	var templates []TemplateResponse
	if err := json.Unmarshal(data, &templates); err != nil {
		t.Fatalf("unmarshal templates: %v", err)
	}
	if len(templates) != 3 {
		t.Fatalf("templates = %d, want 3", len(templates))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/templates", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d", res.StatusCode)
	}
}
