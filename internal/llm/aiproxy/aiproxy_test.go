package aiproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jo-hoe/vidprompt/internal/actions"
	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/failure"
)

func completionServer(t *testing.T, content string, seen *chatCompletionRequest, seenAuth *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seenAuth != nil {
			*seenAuth = r.Header.Get("Authorization")
		}
		if r.URL.Path != "/v1/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var body chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if seen != nil {
			*seen = body
		}
		w.Header().Set("Content-Type", "application/json")
		resp := chatCompletionResponse{
			ID:      "id-123",
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Choices: []chatCompletionChoice{
				{
					Index:        0,
					Message:      responseMsg{Role: "assistant", Content: content},
					FinishReason: "stop",
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestAIProxy_ParsePrompt_Success(t *testing.T) {
	var seenAuth string
	var seenBody chatCompletionRequest
	ts := completionServer(t, `{"actions":[{"action":"cut_section","start_time":"00:05","end_time":12}]}`, &seenBody, &seenAuth)
	defer ts.Close()

	c := New(config.LLMConfig{
		SystemPrompt: "System X",
		AIProxy:      config.AIProxySettings{BaseURL: ts.URL, APIKey: "k123", Model: "gpt-5"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	list, err := c.ParsePrompt(ctx, "cut from 5 to 12 seconds")
	if err != nil {
		t.Fatalf("ParsePrompt error: %v", err)
	}
	if len(list) != 1 || list[0].Kind != actions.KindCut {
		t.Fatalf("unexpected actions: %+v", list)
	}
	if list[0].Parameters[actions.ParamStartTime] != 5 || list[0].Parameters[actions.ParamEndTime] != 12 {
		t.Fatalf("unexpected parameters: %+v", list[0].Parameters)
	}
	if seenAuth != "Bearer k123" {
		t.Fatalf("missing/incorrect auth header, got %q", seenAuth)
	}
	if seenBody.Model != "gpt-5" {
		t.Fatalf("expected model gpt-5, got %q", seenBody.Model)
	}
	if len(seenBody.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(seenBody.Messages))
	}
	if seenBody.Messages[0].Role != RoleSystem || seenBody.Messages[0].Content != "System X" {
		t.Fatalf("system prompt not set correctly: %+v", seenBody.Messages[0])
	}
	if seenBody.Messages[1].Content != "cut from 5 to 12 seconds" {
		t.Fatalf("user prompt not forwarded: %+v", seenBody.Messages[1])
	}
	if seenBody.ResponseFmt == nil || seenBody.ResponseFmt.Type != "json_object" {
		t.Fatalf("json response format not requested: %+v", seenBody.ResponseFmt)
	}
}

func TestAIProxy_ParsePrompt_DefaultSystemPrompt(t *testing.T) {
	var seenBody chatCompletionRequest
	ts := completionServer(t, `{"actions":[]}`, &seenBody, nil)
	defer ts.Close()

	c := New(config.LLMConfig{AIProxy: config.AIProxySettings{BaseURL: ts.URL, Model: "m"}})
	if _, err := c.ParsePrompt(context.Background(), "nothing"); err != nil {
		t.Fatalf("ParsePrompt error: %v", err)
	}
	if seenBody.Messages[0].Content == "" {
		t.Fatalf("default system prompt missing")
	}
}

func TestAIProxy_ParsePrompt_SchemaViolation(t *testing.T) {
	ts := completionServer(t, `{"suggestions":["add music"]}`, nil, nil)
	defer ts.Close()

	c := New(config.LLMConfig{AIProxy: config.AIProxySettings{BaseURL: ts.URL, Model: "m"}})
	_, err := c.ParsePrompt(context.Background(), "add music")
	if !failure.Is(err, failure.KindParse) {
		t.Fatalf("expected parse failure, got %v", err)
	}
}

func TestAIProxy_ParsePrompt_Non200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := New(config.LLMConfig{AIProxy: config.AIProxySettings{BaseURL: ts.URL, Model: "m"}})
	_, err := c.ParsePrompt(context.Background(), "x")
	if err == nil {
		t.Fatalf("expected error for non-200 response")
	}
	if failure.CauseOf(err) != failure.CauseLLMCall {
		t.Fatalf("expected llm_call cause, got %v", err)
	}
}

func TestAIProxy_ParsePrompt_Timeout(t *testing.T) {
	var started int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.StoreInt32(&started, 1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	c := New(config.LLMConfig{AIProxy: config.AIProxySettings{BaseURL: ts.URL, Model: "m"}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.ParsePrompt(ctx, "data")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if failure.CauseOf(err) != failure.CauseTimeout {
		t.Fatalf("expected timeout cause, got %v", err)
	}
	if atomic.LoadInt32(&started) == 0 {
		t.Fatalf("server was not invoked; test invalid")
	}
}
