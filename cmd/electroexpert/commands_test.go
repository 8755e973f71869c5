package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
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

func TestChatRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat": `{"message":{"id":"m1","role":"assistant","content":"Check F3."},"segments":[{"kind":"plain","text":"Check F3."}]}`,
	})

	client := ts.client()
	resp, err := client.post("/chat", map[string]string{"message": "drive trips", "mode": "logic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result.Message.Content != "Check F3." {
		t.Errorf("content = %q", result.Message.Content)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["mode"] != "logic" {
		t.Errorf("body.mode = %q, want logic", body["mode"])
	}
}

func TestDecodeJSON_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	client := ts.client()
	resp, err := client.get("/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out any
	err = decodeJSON(resp, &out)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status code in message", err)
	}
}

func TestClient_NoAuthHeaderWithoutToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = ""

	resp, err := client.get("/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if got := ts.requests[0].Auth; got != "" {
		t.Errorf("auth header = %q, want empty", got)
	}
}

func TestAskCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask"})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected error for missing question")
	}
}

func TestSegmentExt(t *testing.T) {
	tests := map[string]string{
		"mermaid":  "mmd",
		"svg":      "svg",
		"document": "html",
	}
	for kind, want := range tests {
		if got := segmentExt(kind); got != want {
			t.Errorf("segmentExt(%q) = %q, want %q", kind, got, want)
		}
	}
}
