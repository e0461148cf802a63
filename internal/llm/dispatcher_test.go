package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"futures-ai-trader/internal/apperr"
)

func TestGeminiProtocolMapping(t *testing.T) {
	var gotPath, gotQuery string
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer server.Close()

	d := NewDispatcher()
	cfg := GenerateConfig{MaxTokens: 1024, Temperature: 0.5}
	text, err := d.GenerateStrategyCode(context.Background(), ProviderGemini, server.URL, "test-key", "gemini-pro", "sys", "user prompt", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q, want ok", text)
	}

	if !strings.HasSuffix(gotPath, "/gemini-pro:generateContent") {
		t.Errorf("path = %q, want suffix /gemini-pro:generateContent", gotPath)
	}
	if !strings.Contains(gotQuery, "key=test-key") {
		t.Errorf("query = %q, want key=test-key", gotQuery)
	}

	genCfg, ok := gotBody["generationConfig"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing generationConfig in body: %v", gotBody)
	}
	if genCfg["maxOutputTokens"] != float64(1024) {
		t.Errorf("maxOutputTokens = %v, want 1024", genCfg["maxOutputTokens"])
	}
	if _, exists := gotBody["max_tokens"]; exists {
		t.Error("gemini body must not carry top-level max_tokens")
	}

	// System text is prepended to the user part, not a separate field.
	contents := gotBody["contents"].([]interface{})
	parts := contents[0].(map[string]interface{})["parts"].([]interface{})
	textPart := parts[0].(map[string]interface{})["text"].(string)
	if !strings.HasPrefix(textPart, "sys") || !strings.Contains(textPart, "user prompt") {
		t.Errorf("prompt = %q, want system prefix + user text", textPart)
	}
}

func TestAnthropicProtocolMapping(t *testing.T) {
	var gotHeaders http.Header
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte(`{"content":[{"type":"text","text":"program"}]}`))
	}))
	defer server.Close()

	d := NewDispatcher()
	text, err := d.GenerateStrategyCode(context.Background(), ProviderAnthropic, server.URL, "sk-ant", "claude-x", "system text", "prompt", DefaultGenerateConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "program" {
		t.Errorf("text = %q, want program", text)
	}

	if gotHeaders.Get("x-api-key") != "sk-ant" {
		t.Errorf("x-api-key = %q", gotHeaders.Get("x-api-key"))
	}
	if gotHeaders.Get("anthropic-version") != "2023-06-01" {
		t.Errorf("anthropic-version = %q", gotHeaders.Get("anthropic-version"))
	}
	if gotBody["system"] != "system text" {
		t.Errorf("system = %v, want top-level system field", gotBody["system"])
	}
}

func TestOpenAIProtocolMapping(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"done"}}]}`))
	}))
	defer server.Close()

	d := NewDispatcher()
	text, err := d.GenerateStrategyCode(context.Background(), ProviderOpenAI, server.URL, "sk-test", "gpt-4o", "sys", "user", GenerateConfig{MaxTokens: 512})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "done" {
		t.Errorf("text = %q, want done", text)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}

	messages := gotBody["messages"].([]interface{})
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	first := messages[0].(map[string]interface{})
	if first["role"] != "system" {
		t.Errorf("first role = %v, want system", first["role"])
	}
	if gotBody["max_tokens"] != float64(512) {
		t.Errorf("max_tokens = %v, want 512", gotBody["max_tokens"])
	}
}

func TestDispatcherErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   apperr.Kind
	}{
		{"unauthorized", 401, apperr.UpstreamAuth},
		{"forbidden", 403, apperr.UpstreamAuth},
		{"server error", 500, apperr.UpstreamTransient},
		{"bad request", 400, apperr.UpstreamPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer server.Close()

			d := NewDispatcher()
			_, err := d.GenerateStrategyCode(context.Background(), ProviderOpenAI, server.URL, "k", "m", "s", "u", DefaultGenerateConfig())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperr.KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFetchModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`))
	}))
	defer server.Close()

	d := NewDispatcher()
	models, err := d.FetchModels(context.Background(), ProviderOpenAI, server.URL, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "gpt-4o" {
		t.Errorf("models = %v", models)
	}
}

func TestFetchModelsGemini(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "key=k") {
			t.Errorf("query = %q, want key param", r.URL.RawQuery)
		}
		w.Write([]byte(`{"models":[{"name":"models/gemini-pro"},{"name":"models/gemini-flash"}]}`))
	}))
	defer server.Close()

	d := NewDispatcher()
	models, err := d.FetchModels(context.Background(), ProviderGemini, server.URL, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "gemini-pro" {
		t.Errorf("models = %v", models)
	}
}
