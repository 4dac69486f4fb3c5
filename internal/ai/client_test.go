package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AkhildevCV/mindsql-package/internal/config"
	"github.com/AkhildevCV/mindsql-package/internal/prompt"
)

func testConfig(baseURL string) config.AIConfig {
	return config.AIConfig{
		BaseURL:     baseURL,
		Model:       "mindsql-v2",
		Temperature: 0.3,
		TopP:        0.9,
		MaxTokens:   150,
		Timeout:     5 * time.Second,
	}
}

func strictPrompt(t *testing.T) prompt.Prompt {
	t.Helper()
	b := prompt.NewBuilder(8)
	return b.Build(prompt.ModeStrict, "show all users", "CREATE TABLE users (id integer);", nil)
}

func completionBody(content string) string {
	return fmt.Sprintf(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "mindsql-v2",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}]
	}`, content)
}

func TestCompleteReturnsModelText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("```sql\nSELECT * FROM users;\n```"))
	}))
	defer srv.Close()

	client := NewOpenAIClient(testConfig(srv.URL + "/v1"))
	resp, err := client.Complete(context.Background(), strictPrompt(t))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "```sql\nSELECT * FROM users;\n```" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Mode != prompt.ModeStrict {
		t.Fatalf("mode = %v, want strict", resp.Mode)
	}
}

func TestCompleteTimesOutWithinBound(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL + "/v1")
	cfg.Timeout = time.Second
	client := NewOpenAIClient(cfg)

	start := time.Now()
	_, err := client.Complete(context.Background(), strictPrompt(t))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrModelTimeout) {
		t.Fatalf("err = %v, want ErrModelTimeout", err)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("timeout took %v, want bounded near 1s", elapsed)
	}
}

func TestCompleteCanceledContextIsNotABackendFault(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client := NewOpenAIClient(testConfig(srv.URL + "/v1"))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Complete(ctx, strictPrompt(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrModelUnavailable) || errors.Is(err, ErrModelTimeout) {
		t.Fatalf("user abort misclassified as backend fault: %v", err)
	}
}

func TestCompleteUnavailableBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client := NewOpenAIClient(testConfig(srv.URL + "/v1"))
	_, err := client.Complete(context.Background(), strictPrompt(t))
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}

func TestStreamAssemblesChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"SELECT ", "* FROM ", "users;"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient(testConfig(srv.URL + "/v1"))
	stream, err := client.Stream(context.Background(), strictPrompt(t))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer stream.Close()

	var got []string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, chunk)
	}
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3: %v", len(got), got)
	}
	if stream.Text() != "SELECT * FROM users;" {
		t.Fatalf("assembled %q", stream.Text())
	}
}

func TestStreamCollectMatchesAtomicShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"SELECT 1;\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient(testConfig(srv.URL + "/v1"))
	stream, err := client.Stream(context.Background(), strictPrompt(t))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	resp, err := stream.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if resp.Text != "SELECT 1;" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.Chunks != 1 {
		t.Fatalf("chunks = %d, want 1", resp.Chunks)
	}
}
