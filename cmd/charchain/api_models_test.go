package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CTAG07/charchain/pkg/charmodel"
	"github.com/CTAG07/charchain/pkg/store"
)

// testEnv is a running API server over a fresh database, with a master key.
type testEnv struct {
	srv      *httptest.Server
	app      *app
	key      string
	shutdown chan struct{}
}

// setupTestServer opens a fresh database, creates a master API key and
// returns an httptest server for the API.
func setupTestServer(t *testing.T) *testEnv {
	db, err := openDB(filepath.Join(t.TempDir(), "data", "test.db"))
	if err != nil {
		t.Fatalf("openDB() error = %v", err)
	}
	s, err := store.NewStore(db)
	if err != nil {
		_ = db.Close()
		t.Fatalf("NewStore() error = %v", err)
	}
	a := &app{
		config: DefaultConfig(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		db:     db,
		store:  s,
	}
	a.config.Model.WindowLength = 1
	a.config.Server.MaxTrainBytes = 1024
	a.config.Server.MaxImportBytes = 4096
	t.Cleanup(a.Close)

	master, err := createAPIKey(context.Background(), db, nil, "test master")
	if err != nil {
		t.Fatalf("createAPIKey() error = %v", err)
	}

	env := &testEnv{app: a, key: master.RawKey, shutdown: make(chan struct{}, 1)}
	env.srv = httptest.NewServer(newAPIHandler(a, func() {
		select {
		case env.shutdown <- struct{}{}:
		default:
		}
	}))
	t.Cleanup(env.srv.Close)
	return env
}

// do sends a request authenticated with the master key.
func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	return doRequest(t, e.key, method, e.srv.URL+path, body)
}

// doRequest sends a request with key in the auth header; an empty key sends none.
func doRequest(t *testing.T, key, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set(authHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s status = %d, want %d (body %s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

// createTrainedModel creates model "abc" with window length 1 trained on "abcabc".
func createTrainedModel(t *testing.T, env *testEnv) {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/api/models", `{"name": "abc"}`)
	expectStatus(t, resp, http.StatusCreated)
	resp = env.do(t, http.MethodPost, "/api/models/abc/train", "abcabc")
	expectStatus(t, resp, http.StatusOK)
}

func TestModelAPI_CreateAndList(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, http.MethodPost, "/api/models", `{"name": "first", "window_length": 3}`)
	expectStatus(t, resp, http.StatusCreated)
	var created store.ModelInfo
	decodeBody(t, resp, &created)
	if created.Name != "first" || created.WindowLength != 3 || created.Id == 0 {
		t.Errorf("created = %+v, want first with window 3", created)
	}

	// Omitted window length falls back to the configured default.
	resp = env.do(t, http.MethodPost, "/api/models", `{"name": "second"}`)
	expectStatus(t, resp, http.StatusCreated)

	resp = env.do(t, http.MethodGet, "/api/models", "")
	expectStatus(t, resp, http.StatusOK)
	var models []store.ModelInfo
	decodeBody(t, resp, &models)
	if len(models) != 2 || models[0].Name != "first" || models[1].Name != "second" || models[1].WindowLength != 1 {
		t.Errorf("models = %+v, want [first second(window 1)]", models)
	}
}

func TestModelAPI_CreateInvalid(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{"name":`},
		{"missing name", `{"window_length": 2}`},
		{"slash in name", `{"name": "a/b"}`},
		{"negative window", `{"name": "neg", "window_length": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/models", tt.body)
			expectStatus(t, resp, http.StatusBadRequest)
			var body map[string]string
			decodeBody(t, resp, &body)
			if body["error"] == "" {
				t.Error("error response has no message")
			}
		})
	}
}

func TestModelAPI_TrainAndGenerate(t *testing.T) {
	env := setupTestServer(t)
	createTrainedModel(t, env)

	resp := env.do(t, http.MethodPost, "/api/models/abc/generate", `{"seed_text": "a", "length": 7}`)
	expectStatus(t, resp, http.StatusOK)
	var gen GenerateResponse
	decodeBody(t, resp, &gen)
	if gen.Text != "abcabca" || gen.Length != 7 {
		t.Errorf("generate = %+v, want abcabca", gen)
	}

	resp = env.do(t, http.MethodPost, "/api/models/abc/generate", `{"seed_text": "c", "length": 4, "stream": true}`)
	expectStatus(t, resp, http.StatusOK)
	streamed, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(streamed) != "cabc" {
		t.Errorf("streamed = %q, want %q", streamed, "cabc")
	}
}

func TestModelAPI_TrainAccumulatesAndPersists(t *testing.T) {
	env := setupTestServer(t)
	a := env.app
	createTrainedModel(t, env)

	resp := env.do(t, http.MethodPost, "/api/models/abc/train", "ab")
	expectStatus(t, resp, http.StatusOK)
	var st charmodel.Stats
	decodeBody(t, resp, &st)
	if st.Transitions != 6 {
		t.Errorf("Transitions = %d, want 6", st.Transitions)
	}

	info, err := a.store.GetModelInfo(t.Context(), "abc")
	if err != nil {
		t.Fatal(err)
	}
	m, err := a.store.LoadModel(t.Context(), info)
	if err != nil {
		t.Fatal(err)
	}
	f, ok := m.Lookup("a")
	if !ok {
		t.Fatal("window \"a\" missing from stored model")
	}
	if rec, _ := f.At(0); rec.Char != 'b' || rec.Count != 3 {
		t.Errorf("stored a -> %v, want b with count 3", rec)
	}
}

func TestModelAPI_TrainTooLarge(t *testing.T) {
	env := setupTestServer(t)
	resp := env.do(t, http.MethodPost, "/api/models", `{"name": "big"}`)
	expectStatus(t, resp, http.StatusCreated)

	resp = env.do(t, http.MethodPost, "/api/models/big/train", strings.Repeat("x", 2048))
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)

	resp = env.do(t, http.MethodGet, "/api/stats", "")
	expectStatus(t, resp, http.StatusOK)
	var stats store.DBStats
	decodeBody(t, resp, &stats)
	if stats.WindowSize != 0 {
		t.Errorf("WindowSize = %d after rejected training, want 0", stats.WindowSize)
	}
}

func TestModelAPI_GenerateInvalid(t *testing.T) {
	env := setupTestServer(t)
	createTrainedModel(t, env)

	resp := env.do(t, http.MethodPost, "/api/models/abc/generate", `{"length": -1}`)
	expectStatus(t, resp, http.StatusBadRequest)
	resp = env.do(t, http.MethodPost, "/api/models/abc/generate", `{"length": 1000000}`)
	expectStatus(t, resp, http.StatusBadRequest)
	resp = env.do(t, http.MethodPost, "/api/models/abc/generate", `nope`)
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestModelAPI_Routing(t *testing.T) {
	env := setupTestServer(t)
	createTrainedModel(t, env)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodPost, "/api/models/missing/train", http.StatusNotFound},
		{http.MethodGet, "/api/models/abc/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/models/abc/train", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/models/abc/export", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/models/abc", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/models", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/import", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/stats", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/models/", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, "")
			expectStatus(t, resp, tt.want)
			if tt.want == http.StatusMethodNotAllowed && resp.Header.Get("Allow") == "" {
				t.Error("405 response has no Allow header")
			}
		})
	}
}

func TestModelAPI_ExportImport(t *testing.T) {
	env := setupTestServer(t)
	createTrainedModel(t, env)

	resp := env.do(t, http.MethodGet, "/api/models/abc/export", "")
	expectStatus(t, resp, http.StatusOK)
	exported, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var em charmodel.ExportedModel
	if err := json.Unmarshal(exported, &em); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if em.WindowLength != 1 || len(em.Windows) != 3 {
		t.Errorf("exported = %+v, want 3 windows of length 1", em)
	}

	resp = env.do(t, http.MethodPost, "/api/import?name=copy", string(exported))
	expectStatus(t, resp, http.StatusCreated)

	resp = env.do(t, http.MethodPost, "/api/models/copy/generate", `{"seed_text": "b", "length": 5}`)
	expectStatus(t, resp, http.StatusOK)
	var gen GenerateResponse
	decodeBody(t, resp, &gen)
	if gen.Text != "bcabc" {
		t.Errorf("imported model generated %q, want %q", gen.Text, "bcabc")
	}

	// A window length clash with an existing model is a conflict.
	resp = env.do(t, http.MethodPost, "/api/models", `{"name": "wide", "window_length": 5}`)
	expectStatus(t, resp, http.StatusCreated)
	resp = env.do(t, http.MethodPost, "/api/import?name=wide", string(exported))
	expectStatus(t, resp, http.StatusConflict)

	resp = env.do(t, http.MethodPost, "/api/import?name=bad", `{"window_length": 0}`)
	expectStatus(t, resp, http.StatusBadRequest)
	resp = env.do(t, http.MethodPost, "/api/import", string(exported))
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestModelAPI_PruneAndDelete(t *testing.T) {
	env := setupTestServer(t)
	createTrainedModel(t, env)

	// "abcabc" gives a->b twice, b->c twice, c->a once.
	resp := env.do(t, http.MethodPost, "/api/models/abc/prune", `{"min_freq": 1}`)
	expectStatus(t, resp, http.StatusOK)
	var pruned PruneResponse
	decodeBody(t, resp, &pruned)
	if pruned.RecordsRemoved != 1 {
		t.Errorf("RecordsRemoved = %d, want 1", pruned.RecordsRemoved)
	}

	// Generation now stops once the pruned window is reached.
	resp = env.do(t, http.MethodPost, "/api/models/abc/generate", `{"seed_text": "a", "length": 10}`)
	expectStatus(t, resp, http.StatusOK)
	var gen GenerateResponse
	decodeBody(t, resp, &gen)
	if gen.Text != "abc" {
		t.Errorf("generate after prune = %q, want %q", gen.Text, "abc")
	}

	resp = env.do(t, http.MethodDelete, "/api/models/abc", "")
	expectStatus(t, resp, http.StatusNoContent)
	resp = env.do(t, http.MethodPost, "/api/models/abc/generate", `{"length": 1}`)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestModelAPI_Stats(t *testing.T) {
	env := setupTestServer(t)
	createTrainedModel(t, env)

	resp := env.do(t, http.MethodGet, "/api/stats", "")
	expectStatus(t, resp, http.StatusOK)
	var stats store.DBStats
	decodeBody(t, resp, &stats)
	if len(stats.Models) != 1 || stats.WindowSize != 3 {
		t.Fatalf("stats = %+v, want one model over 3 windows", stats)
	}
	ms := stats.Stats[stats.Models[0].Id]
	if ms.Windows != 3 || ms.TotalRecords != 3 || ms.TotalFrequency != 5 {
		t.Errorf("model stats = %+v, want {3 3 5}", ms)
	}
}

func TestServerAPI(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, http.MethodGet, "/api/server/version", "")
	expectStatus(t, resp, http.StatusOK)
	var info VersionInfo
	decodeBody(t, resp, &info)
	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}

	resp = env.do(t, http.MethodGet, "/api/server/config", "")
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"window_length":1`)) {
		t.Errorf("config response %s does not reflect the running config", body)
	}

	resp = env.do(t, http.MethodGet, "/api/server/shutdown", "")
	expectStatus(t, resp, http.StatusMethodNotAllowed)

	resp = env.do(t, http.MethodPost, "/api/server/shutdown", "")
	expectStatus(t, resp, http.StatusAccepted)
	select {
	case <-env.shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown was not triggered")
	}
}

func TestModelAPI_TrainInvalidUTF8(t *testing.T) {
	env := setupTestServer(t)
	resp := env.do(t, http.MethodPost, "/api/models", `{"name": "bytes"}`)
	expectStatus(t, resp, http.StatusCreated)

	resp = env.do(t, http.MethodPost, "/api/models/bytes/train", "a\xffa\xfe")
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestModelAPI_ImportTooLarge(t *testing.T) {
	env := setupTestServer(t)

	// Valid JSON prefix padded past the configured import limit.
	body := `{"window_length": 1, "windows": [` + strings.Repeat(" ", 8192) + `]}`
	resp := env.do(t, http.MethodPost, "/api/import?name=huge", body)
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)

	if _, err := env.app.store.GetModelInfo(t.Context(), "huge"); err == nil {
		t.Error("rejected import created a model")
	}
}

func TestAuth_RejectsMissingAndUnknownKeys(t *testing.T) {
	env := setupTestServer(t)
	createTrainedModel(t, env)

	tests := []struct {
		name   string
		key    string
		method string
		path   string
		body   string
	}{
		{"anonymous shutdown", "", http.MethodPost, "/api/server/shutdown", ""},
		{"anonymous delete", "", http.MethodDelete, "/api/models/abc", ""},
		{"anonymous create", "", http.MethodPost, "/api/models", `{"name": "x"}`},
		{"anonymous train", "", http.MethodPost, "/api/models/abc/train", "abc"},
		{"anonymous import", "", http.MethodPost, "/api/import?name=x", `{"window_length": 1}`},
		{"anonymous list", "", http.MethodGet, "/api/models", ""},
		{"unknown key shutdown", "chch_not-a-real-key", http.MethodPost, "/api/server/shutdown", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, tt.key, tt.method, env.srv.URL+tt.path, tt.body)
			expectStatus(t, resp, http.StatusUnauthorized)
		})
	}

	select {
	case <-env.shutdown:
		t.Error("shutdown triggered by an unauthenticated request")
	default:
	}

	// Nothing above changed the stored model.
	resp := env.do(t, http.MethodGet, "/api/models", "")
	expectStatus(t, resp, http.StatusOK)
	var models []store.ModelInfo
	decodeBody(t, resp, &models)
	if len(models) != 1 || models[0].Name != "abc" {
		t.Errorf("models = %+v, want only abc", models)
	}
}

func TestAuth_Scopes(t *testing.T) {
	env := setupTestServer(t)
	createTrainedModel(t, env)

	resp := env.do(t, http.MethodPost, "/api/auth/keys", `{"scopes": ["models:read", "models:generate"], "description": "reader"}`)
	expectStatus(t, resp, http.StatusCreated)
	var reader CreateKeyResponse
	decodeBody(t, resp, &reader)
	if reader.RawKey == "" || len(reader.Scopes) != 2 {
		t.Fatalf("created key = %+v, want raw key with 2 scopes", reader)
	}

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/api/models", "", http.StatusOK},
		{http.MethodGet, "/api/stats", "", http.StatusOK},
		{http.MethodGet, "/api/models/abc/export", "", http.StatusOK},
		{http.MethodPost, "/api/models/abc/generate", `{"seed_text": "a", "length": 3}`, http.StatusOK},
		{http.MethodPost, "/api/models/abc/train", "abc", http.StatusForbidden},
		{http.MethodPost, "/api/models/abc/prune", `{"min_freq": 1}`, http.StatusForbidden},
		{http.MethodDelete, "/api/models/abc", "", http.StatusForbidden},
		{http.MethodPost, "/api/models", `{"name": "x"}`, http.StatusForbidden},
		{http.MethodPost, "/api/import?name=x", `{"window_length": 1}`, http.StatusForbidden},
		{http.MethodGet, "/api/server/config", "", http.StatusForbidden},
		{http.MethodPost, "/api/server/shutdown", "", http.StatusForbidden},
		{http.MethodGet, "/api/auth/keys", "", http.StatusForbidden},
		{http.MethodPost, "/api/models/missing/train", "abc", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp := doRequest(t, reader.RawKey, tt.method, env.srv.URL+tt.path, tt.body)
			expectStatus(t, resp, tt.want)
		})
	}

	select {
	case <-env.shutdown:
		t.Error("shutdown triggered without the server:control scope")
	default:
	}
}

func TestAuth_KeyManagement(t *testing.T) {
	env := setupTestServer(t)

	resp := env.do(t, http.MethodPost, "/api/auth/keys", `{"scopes": ["bogus"]}`)
	expectStatus(t, resp, http.StatusBadRequest)
	resp = env.do(t, http.MethodPost, "/api/auth/keys", `{"scopes": []}`)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = env.do(t, http.MethodPost, "/api/auth/keys", `{"scopes": ["server:control"], "description": "ops"}`)
	expectStatus(t, resp, http.StatusCreated)
	var ops CreateKeyResponse
	decodeBody(t, resp, &ops)

	resp = env.do(t, http.MethodGet, "/api/auth/keys", "")
	expectStatus(t, resp, http.StatusOK)
	var keys []APIKeyInfo
	decodeBody(t, resp, &keys)
	if len(keys) != 2 || keys[0].Scopes[0] != "*" || keys[1].Description != "ops" {
		t.Errorf("keys = %+v, want master and ops", keys)
	}

	resp = doRequest(t, ops.RawKey, http.MethodGet, env.srv.URL+"/api/auth/me", "")
	expectStatus(t, resp, http.StatusOK)

	// The master key is key 1 and cannot delete itself.
	resp = env.do(t, http.MethodDelete, "/api/auth/keys/1", "")
	expectStatus(t, resp, http.StatusBadRequest)

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/auth/keys/%d", ops.ID), "")
	expectStatus(t, resp, http.StatusNoContent)
	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/auth/keys/%d", ops.ID), "")
	expectStatus(t, resp, http.StatusNotFound)

	// A deleted key no longer authenticates.
	resp = doRequest(t, ops.RawKey, http.MethodPost, env.srv.URL+"/api/server/shutdown", "")
	expectStatus(t, resp, http.StatusUnauthorized)
}
