package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/chatpulse/internal/config"
)

type fakeModel struct {
	content string
	err     error
	lastReq model.Request
}

func (m *fakeModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &model.Response{Message: model.Message{Role: "assistant", Content: m.content}}, nil
}

func (m *fakeModel) CompleteStream(context.Context, model.Request, model.StreamHandler) error {
	return errors.New("not implemented")
}

func TestProviderClient_Complete(t *testing.T) {
	fm := &fakeModel{content: "  {\"topics\":[\"go\"]}  "}
	c := NewProviderClient(model.ProviderFunc(func(context.Context) (model.Model, error) {
		return fm, nil
	}))

	out, err := c.Complete(context.Background(), "classify this", 300)
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if out != `{"topics":["go"]}` {
		t.Errorf("content = %q", out)
	}
	if fm.lastReq.MaxTokens != 300 {
		t.Errorf("maxTokens = %d, want 300", fm.lastReq.MaxTokens)
	}
	if len(fm.lastReq.Messages) != 1 || fm.lastReq.Messages[0].Content != "classify this" {
		t.Errorf("messages = %+v", fm.lastReq.Messages)
	}
}

func TestProviderClient_Errors(t *testing.T) {
	ctx := context.Background()

	if _, err := NewProviderClient(nil).Complete(ctx, "x", 10); err == nil {
		t.Error("expected error for nil provider")
	}

	failing := NewProviderClient(model.ProviderFunc(func(context.Context) (model.Model, error) {
		return nil, errors.New("no key")
	}))
	if _, err := failing.Complete(ctx, "x", 10); err == nil {
		t.Error("expected error when provider fails")
	}

	empty := NewProviderClient(model.ProviderFunc(func(context.Context) (model.Model, error) {
		return &fakeModel{content: "   "}, nil
	}))
	if _, err := empty.Complete(ctx, "x", 10); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestOpenAICompatClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("auth header mismatch")
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body["model"] != "gpt-test" {
			t.Errorf("model = %v", body["model"])
		}
		if body["max_tokens"].(float64) != 150 {
			t.Errorf("max_tokens = %v", body["max_tokens"])
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": "a short summary"},
			}},
		})
	}))
	defer srv.Close()

	c := NewOpenAICompatClient("test-key", srv.URL, "gpt-test")
	out, err := c.Complete(context.Background(), "summarize", 150)
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if out != "a short summary" {
		t.Errorf("content = %q", out)
	}
}

func TestOpenAICompatClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAICompatClient("k", srv.URL, "m")
	if _, err := c.Complete(context.Background(), "x", 10); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestOpenAICompatClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenAICompatClient("k", srv.URL, "m")
	if _, err := c.Complete(context.Background(), "x", 10); err == nil {
		t.Fatal("expected error for http 500")
	}
}

func TestLimited_BoundsConcurrency(t *testing.T) {
	var running, peak int32
	release := make(chan struct{})
	next := ClientFunc(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return "ok", nil
	})

	l := NewLimited(next, 2, 0)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Complete(context.Background(), "x", 1)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestLimited_Timeout(t *testing.T) {
	next := ClientFunc(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	l := NewLimited(next, 1, 20*time.Millisecond)

	start := time.Now()
	_, err := l.Complete(context.Background(), "x", 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout was not applied")
	}
}

func TestLimited_CancelledWhileWaiting(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	next := ClientFunc(func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		<-block
		return "", nil
	})
	l := NewLimited(next, 1, 0)
	go func() { _, _ = l.Complete(context.Background(), "x", 1) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Complete(ctx, "y", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewClient(t *testing.T) {
	cfg := config.DefaultConfig()

	cfg.Provider.Type = config.ProviderOffline
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("offline NewClient error: %v", err)
	}
	if _, err := c.Complete(context.Background(), "x", 1); !errors.Is(err, ErrOffline) {
		t.Errorf("offline err = %v", err)
	}

	cfg.Provider.Type = ""
	cfg.Provider.APIKey = ""
	if _, err := NewClient(cfg); err == nil {
		t.Error("expected error for missing anthropic key")
	}

	cfg.Provider.APIKey = "k"
	c, err = NewClient(cfg)
	if err != nil {
		t.Fatalf("anthropic NewClient error: %v", err)
	}
	if _, ok := c.(*Limited); !ok {
		t.Errorf("client type = %T, want *Limited", c)
	}

	cfg.Provider.Type = config.ProviderOpenAICompat
	cfg.Provider.BaseURL = ""
	if _, err := NewClient(cfg); err == nil {
		t.Error("expected error for openai-compat without base url")
	}

	cfg.Provider.Type = "carrier-pigeon"
	if _, err := NewClient(cfg); err == nil {
		t.Error("expected error for unknown provider")
	}
}
