package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/printdesk/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

// captureStdout runs fn with os.Stdout redirected and returns what it wrote.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	done := make(chan string)
	go func() {
		b, _ := io.ReadAll(r)
		done <- string(b)
	}()
	fn()
	w.Close()
	os.Stdout = old
	return <-done
}

func TestChatLoop(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/messages": `{"results":[{"status":"success","reply":"¡Hola! ¿Qué querés imprimir?"}]}`,
	})
	noColor = true
	defer func() { noColor = false }()

	in := bufio.NewScanner(strings.NewReader("hola\n\n/quit\nnunca enviado\n"))
	out := captureStdout(t, func() {
		if err := chatLoop(ctx, ts.client(), "test-1", "Ana", in); err != nil {
			t.Errorf("chatLoop: %v", err)
		}
	})

	if !strings.Contains(out, "asistente › ¡Hola! ¿Qué querés imprimir?") {
		t.Errorf("output = %q", out)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	r := ts.requests[0]
	if r.Path != "/v1/messages?sync=true" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["user_id"] != "test-1" || body["display_name"] != "Ana" || body["text"] != "hola" {
		t.Errorf("body = %v", body)
	}
}

func TestChatLoopServerError(t *testing.T) {
	ts := newTestServer(t, nil)
	in := bufio.NewScanner(strings.NewReader("hola\n"))
	err := chatLoop(ctx, ts.client(), "u", "", in)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want 404 error", err)
	}
}

func TestDecodeJSON_NoContent(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusNoContent, Body: io.NopCloser(strings.NewReader(""))}
	if err := decodeJSON(resp, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDecodeJSON_Error(t *testing.T) {
	resp := &http.Response{StatusCode: 401, Body: io.NopCloser(strings.NewReader(`{"error":"nope"}`))}
	err := decodeJSON(resp, &struct{}{})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v", err)
	}
}

func TestClientDelete(t *testing.T) {
	ts := newTestServer(t, map[string]string{"DELETE /v1/blacklist/549": `{}`})
	resp, err := ts.client().delete(ctx, "/v1/blacklist/549")
	if err != nil {
		t.Fatal(err)
	}
	if err := decodeJSON(resp, nil); err != nil {
		t.Fatal(err)
	}
	if ts.requests[0].Method != http.MethodDelete {
		t.Errorf("method = %s", ts.requests[0].Method)
	}
}

const sheetExport = `<table>
<tr><td>Nombre</td><td>Categoría</td><td>Acabados</td></tr>
<tr><td>Tarjetas</td><td>Papelería</td><td>laminado</td></tr>
<tr><td>Bandera</td><td>Textil</td><td>ojales</td></tr>
</table>`

func TestImportCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalogo.html")
	if err := os.WriteFile(path, []byte(sheetExport), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := importCatalog(ctx, dir, path)
	if err != nil {
		t.Fatalf("importCatalog: %v", err)
	}
	if n != 2 {
		t.Errorf("imported %d, want 2", n)
	}

	store, err := storage.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	svc, err := store.GetService("Tarjetas")
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if svc.Category != "Papelería" {
		t.Errorf("category = %q", svc.Category)
	}
}

func TestImportCatalogMissingFile(t *testing.T) {
	if _, err := importCatalog(ctx, t.TempDir(), "/does/not/exist.html"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRootCommandTree(t *testing.T) {
	want := []string{"start", "status", "chat", "sessions", "blacklist", "catalog", "orders", "models", "config"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestCommandArgs(t *testing.T) {
	if err := sessionsShowCmd.Args(sessionsShowCmd, nil); err == nil {
		t.Error("sessions show should require a user id")
	}
	if err := configSetCmd.Args(configSetCmd, []string{"only-key"}); err == nil {
		t.Error("config set should require key and value")
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if result := colorize(colorRed, "test"); strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}

	noColor = false
	if result := colorize(colorRed, "test"); !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}
