package httpapi_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codekingibk/nodehost/core"
	"github.com/codekingibk/nodehost/httpapi"
	"github.com/codekingibk/nodehost/internal/persist"
	"github.com/codekingibk/nodehost/internal/rehydrate"
	"github.com/codekingibk/nodehost/internal/termstream"
	"github.com/codekingibk/nodehost/schema"
)

type testEnv struct {
	server    *httptest.Server
	stream    *termstream.Channel
	instances *core.InstanceService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := persist.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fs := rehydrate.New(t.TempDir())
	stream := termstream.New()
	sup := core.NewSupervisor(core.SupervisorDeps{
		DB:         db,
		Rehydrator: fs,
		Stream:     stream,
	})
	instances := core.NewInstanceService(core.InstanceDeps{
		DB:         db,
		Rehydrator: fs,
		Supervisor: sup,
		Limits:     schema.Limits{MaxInstances: 2},
	})
	files := core.NewFileService(core.FileDeps{DB: db, Rehydrator: fs})
	srv := httpapi.NewServer(httpapi.Config{}, instances, files, sup, stream)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, stream: stream, instances: instances}
}

func (e *testEnv) request(t *testing.T, method, path, account string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if account != "" {
		req.Header.Set("X-Account", account)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func readJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (e *testEnv) createInstance(t *testing.T, account string) schema.Instance {
	t.Helper()
	resp := e.request(t, http.MethodPost, "/api/instances", account, map[string]string{"name": "bot"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}
	var inst schema.Instance
	readJSON(t, resp, &inst)
	return inst
}

func TestMissingAccountHeader(t *testing.T) {
	env := newTestEnv(t)
	resp := env.request(t, http.MethodGet, "/api/instances", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	inst := env.createInstance(t, "acct-1")
	if inst.Status != schema.StatusStopped {
		t.Fatalf("unexpected status %s", inst.Status)
	}

	var listResp struct {
		Instances []schema.Instance `json:"instances"`
	}
	resp := env.request(t, http.MethodGet, "/api/instances", "acct-1", nil)
	readJSON(t, resp, &listResp)
	if len(listResp.Instances) != 1 {
		t.Fatalf("expected one instance, got %d", len(listResp.Instances))
	}

	resp = env.request(t, http.MethodDelete, "/api/instances/"+string(inst.ID), "acct-1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	resp = env.request(t, http.MethodGet, "/api/instances/"+string(inst.ID), "acct-1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestCrossAccountReadsAsNotFound(t *testing.T) {
	env := newTestEnv(t)
	inst := env.createInstance(t, "acct-1")
	resp := env.request(t, http.MethodGet, "/api/instances/"+string(inst.ID), "acct-2", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign account, got %d", resp.StatusCode)
	}
}

func TestCreateOverCapConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.createInstance(t, "acct-1")
	env.createInstance(t, "acct-1")
	resp := env.request(t, http.MethodPost, "/api/instances", "acct-1", map[string]string{"name": "third"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 at cap, got %d", resp.StatusCode)
	}
}

func TestSettingsValidation(t *testing.T) {
	env := newTestEnv(t)
	inst := env.createInstance(t, "acct-1")

	resp := env.request(t, http.MethodPost, "/api/instances/"+string(inst.ID)+"/settings", "acct-1", map[string]any{
		"node_version": "99",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad node version, got %d", resp.StatusCode)
	}

	var updated schema.Instance
	resp = env.request(t, http.MethodPost, "/api/instances/"+string(inst.ID)+"/settings", "acct-1", map[string]any{
		"name":         "renamed",
		"node_version": "20",
		"env_vars":     []schema.EnvVar{{Key: "TOKEN", Value: "abc"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settings status %d", resp.StatusCode)
	}
	readJSON(t, resp, &updated)
	if updated.Name != "renamed" || updated.NodeVersion != "20" || len(updated.EnvVars) != 1 {
		t.Fatalf("settings not applied: %+v", updated)
	}
}

func TestRenewExtendsExpiry(t *testing.T) {
	env := newTestEnv(t)
	inst := env.createInstance(t, "acct-1")
	var renewed schema.Instance
	resp := env.request(t, http.MethodPost, "/api/instances/"+string(inst.ID)+"/renew", "acct-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("renew status %d", resp.StatusCode)
	}
	readJSON(t, resp, &renewed)
	if !renewed.ExpiresAt.After(inst.ExpiresAt) {
		t.Fatalf("expiry not extended: %v -> %v", inst.ExpiresAt, renewed.ExpiresAt)
	}
}

func TestStartRejectsBadCommand(t *testing.T) {
	env := newTestEnv(t)
	inst := env.createInstance(t, "acct-1")
	resp := env.request(t, http.MethodPost, "/api/instances/"+string(inst.ID)+"/start", "acct-1", map[string]string{
		"start_command": "rm -rf /",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad command, got %d", resp.StatusCode)
	}
}

func TestFileSaveReadDeleteOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	inst := env.createInstance(t, "acct-1")
	base := "/api/instances/" + string(inst.ID) + "/files"

	resp := env.request(t, http.MethodPost, base+"/save", "acct-1", map[string]string{
		"path":    "index.js",
		"content": "console.log('hi')",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status %d", resp.StatusCode)
	}

	var content struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	resp = env.request(t, http.MethodGet, base+"/content?path=index.js", "acct-1", nil)
	readJSON(t, resp, &content)
	if content.Content != "console.log('hi')" {
		t.Fatalf("unexpected content %q", content.Content)
	}

	resp = env.request(t, http.MethodPost, base+"/delete", "acct-1", map[string]string{"path": "index.js"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	resp = env.request(t, http.MethodGet, base+"/content?path=index.js", "acct-1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestFileSaveRejectsTraversal(t *testing.T) {
	env := newTestEnv(t)
	inst := env.createInstance(t, "acct-1")
	resp := env.request(t, http.MethodPost, "/api/instances/"+string(inst.ID)+"/files/save", "acct-1", map[string]string{
		"path":    "../escape.js",
		"content": "x",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for traversal, got %d", resp.StatusCode)
	}
}

func TestUploadStoresFile(t *testing.T) {
	env := newTestEnv(t)
	inst := env.createInstance(t, "acct-1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "bot.js")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fmt.Fprint(fw, "module.exports = 1")
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/instances/"+string(inst.ID)+"/files/upload", &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-Account", "acct-1")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status %d", resp.StatusCode)
	}

	var content struct {
		Content string `json:"content"`
	}
	resp = env.request(t, http.MethodGet, "/api/instances/"+string(inst.ID)+"/files/content?path=bot.js", "acct-1", nil)
	readJSON(t, resp, &content)
	if content.Content != "module.exports = 1" {
		t.Fatalf("unexpected content %q", content.Content)
	}
}

func TestArchiveDownload(t *testing.T) {
	env := newTestEnv(t)
	inst := env.createInstance(t, "acct-1")
	resp := env.request(t, http.MethodPost, "/api/instances/"+string(inst.ID)+"/files/save", "acct-1", map[string]string{
		"path":    "index.js",
		"content": "x",
	})
	resp.Body.Close()

	resp = env.request(t, http.MethodGet, "/api/instances/"+string(inst.ID)+"/files/archive", "acct-1", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("unexpected content type %q", ct)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(data) == 0 || !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatalf("body is not a zip archive")
	}
}

func TestTerminalWebsocketGateAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	inst := env.createInstance(t, "acct-1")

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/instances/" + string(inst.ID) + "/terminal"
	header := http.Header{"X-Account": []string{"acct-1"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var gate termstream.Event
	if err := conn.ReadJSON(&gate); err != nil {
		t.Fatalf("read gate: %v", err)
	}
	if gate.Kind != termstream.KindGate || gate.Gate == nil || !gate.Gate.Locked {
		t.Fatalf("expected locked gate first, got %+v", gate)
	}

	// Events published on the instance topic reach the socket.
	deadline := time.Now().Add(2 * time.Second)
	for env.stream.Subscribers(inst.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("socket never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.stream.PublishOutput(inst.ID, "hello from the pump\r\n")
	var out termstream.Event
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read output: %v", err)
	}
	if out.Kind != termstream.KindOutput || out.Output != "hello from the pump\r\n" {
		t.Fatalf("unexpected event %+v", out)
	}

	// Input against a stopped instance is rejected on this socket only.
	if err := conn.WriteJSON(map[string]string{"type": "input", "data": "hi"}); err != nil {
		t.Fatalf("write input: %v", err)
	}
	var rejection termstream.Event
	if err := conn.ReadJSON(&rejection); err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if rejection.Kind != termstream.KindError || !strings.Contains(rejection.Error, "not running") {
		t.Fatalf("unexpected rejection %+v", rejection)
	}
}

func TestTerminalWebsocketForeignAccountRejected(t *testing.T) {
	env := newTestEnv(t)
	inst := env.createInstance(t, "acct-1")
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/instances/" + string(inst.ID) + "/terminal"
	header := http.Header{"X-Account": []string{"acct-2"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("expected dial failure for foreign account")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake, got %+v", resp)
	}
}
