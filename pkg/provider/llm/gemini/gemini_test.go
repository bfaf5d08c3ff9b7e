package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/callwright/pkg/provider/llm"
)

func TestBuildContents(t *testing.T) {
	t.Parallel()

	contents, system := buildContents(llm.CompletionRequest{
		SystemPrompt: "Extract one insight.",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Reply in JSON."},
			{Role: llm.RoleUser, Content: "transcript"},
			{Role: llm.RoleAssistant, Content: "ok"},
		},
	})
	if system != "Extract one insight.\n\nReply in JSON." {
		t.Errorf("system = %q", system)
	}
	if len(contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" {
		t.Errorf("roles = %q, %q", contents[0].Role, contents[1].Role)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), "", "gemini-2.0-flash"); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := New(context.Background(), "k", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestComplete_JSONMode(t *testing.T) {
	t.Parallel()

	type captured struct {
		path string
		body struct {
			GenerationConfig struct {
				ResponseMIMEType string `json:"responseMimeType"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		}
	}
	ch := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c captured
		c.path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		ch <- c
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "{\"found\":false}"}]}}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3, "totalTokenCount": 10}
		}`))
	}))
	defer srv.Close()

	p, err := New(context.Background(), "test-key", "gemini-2.0-flash", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "Extract.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "transcript"}},
		JSONMode:     true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"found":false}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	c := <-ch
	if !strings.HasSuffix(c.path, "gemini-2.0-flash:generateContent") {
		t.Errorf("path = %q", c.path)
	}
	if c.body.GenerationConfig.ResponseMIMEType != "application/json" {
		t.Errorf("responseMimeType = %q", c.body.GenerationConfig.ResponseMIMEType)
	}
	if c.body.SystemInstruction == nil || len(c.body.SystemInstruction.Parts) == 0 || c.body.SystemInstruction.Parts[0].Text != "Extract." {
		t.Errorf("systemInstruction = %+v", c.body.SystemInstruction)
	}
}
