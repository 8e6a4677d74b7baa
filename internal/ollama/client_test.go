package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func tagsJSON(names ...string) []byte {
	var r tagsResponse
	for _, n := range names {
		r.Models = append(r.Models, modelEntry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest"))
	}))
	defer up.Close()
	if !New(up.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = false for live server")
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()
	if New(down.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = true for closed server")
	}
}

func TestHasModel_MatchesTagSuffix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3.1:latest", "qwen2.5:7b"))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	if !c.HasModel(context.Background(), "llama3.1") {
		t.Error("HasModel(llama3.1) = false, want true")
	}
	if !c.HasModel(context.Background(), "qwen2.5:7b") {
		t.Error("HasModel(qwen2.5:7b) = false, want true")
	}
	if c.HasModel(context.Background(), "mistral") {
		t.Error("HasModel(mistral) = true, want false")
	}
}

func TestChat_SchemaPinsTemperature(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(chatResponse{
			Message: Message{Role: "assistant", Content: `{"pain_points":["slow onboarding"]}`},
		})
	}))
	defer srv.Close()

	schema := &Schema{
		Type: "object",
		Properties: map[string]SchemaProperty{
			"pain_points": {Type: "array", Items: &SchemaProperty{Type: "string"}},
		},
		Required: []string{"pain_points"},
	}
	out, err := New(srv.URL).Chat(context.Background(), "llama3.1", []Message{{Role: "user", Content: "analyze"}}, schema)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.Contains(out, "slow onboarding") {
		t.Errorf("Chat() = %q", out)
	}
	if captured.Stream {
		t.Error("stream = true, want false")
	}
	if captured.Options["temperature"] != float64(0) {
		t.Errorf("temperature = %v, want 0", captured.Options["temperature"])
	}
	format, ok := captured.Format.(map[string]any)
	if !ok {
		t.Fatalf("format = %T, want schema object", captured.Format)
	}
	props := format["properties"].(map[string]any)
	pain := props["pain_points"].(map[string]any)
	if pain["items"].(map[string]any)["type"] != "string" {
		t.Errorf("array items not forwarded: %v", pain)
	}
}

func TestChat_PlainTextHasNoFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if bytes.Contains(body, []byte(`"format"`)) {
			t.Errorf("unexpected format in plain chat: %s", body)
		}
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "pong"}})
	}))
	defer srv.Close()

	out, err := New(srv.URL).Chat(context.Background(), "llama3.1", []Message{{Role: "user", Content: "ping"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "pong" {
		t.Errorf("Chat() = %q, want pong", out)
	}
}

func TestChat_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'llama3.1' not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Chat(context.Background(), "llama3.1", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || !strings.Contains(apiErr.Message, "not found") {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestPullModel_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "pulling manifest"})
		enc.Encode(PullProgress{Error: "pull model manifest: file does not exist"})
	}))
	defer srv.Close()

	var seen int
	err := New(srv.URL).PullModel(context.Background(), "nope", func(PullProgress) { seen++ })
	if err == nil || !strings.Contains(err.Error(), "file does not exist") {
		t.Fatalf("PullModel err = %v", err)
	}
	if seen != 1 {
		t.Errorf("progress callbacks = %d, want 1", seen)
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pullRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name != "llama3.1" || !req.Stream {
			t.Errorf("pull request = %+v", req)
		}
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 100, Completed: 40})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	var got []string
	err := New(srv.URL).PullModel(context.Background(), "llama3.1", func(p PullProgress) {
		got = append(got, p.Status)
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if len(got) != 2 || got[1] != "success" {
		t.Errorf("progress = %v", got)
	}
}

func TestEnsureReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON("llama3.1:latest"))
		case "/api/chat":
			json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "pong"}})
		default:
			t.Errorf("unexpected request to %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := EnsureReady(context.Background(), New(srv.URL), "llama3.1", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if !strings.Contains(out.String(), "model llama3.1: warm") {
		t.Errorf("output = %q", out.String())
	}
}

func TestEnsureReady_OllamaDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := EnsureReady(context.Background(), New(srv.URL), "llama3.1", io.Discard)
	if err == nil || !strings.Contains(err.Error(), "Ollama is not running") {
		t.Fatalf("EnsureReady err = %v", err)
	}
}
