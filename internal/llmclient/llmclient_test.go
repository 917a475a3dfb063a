package llmclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewHTTPClient(Config{APIKey: "test-key", Model: "gpt-4", APIBase: srv.URL})
	return c, srv
}

func TestGenerateSuccess(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello there"}}]}`))
	})
	defer srv.Close()

	reply, err := c.Generate(context.Background(), "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "hello there" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestGenerate429LatchesRateLimit(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer srv.Close()

	reply, err := c.Generate(context.Background(), "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply == "" {
		t.Fatal("expected a fallback reply")
	}

	status := c.Status()
	if !status.RateLimited {
		t.Fatal("expected rate-limited status after a 429")
	}
	if status.SecondsRemaining <= 0 {
		t.Fatal("expected positive seconds remaining")
	}

	reply2, err := c.Generate(context.Background(), "hi again")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply2 != "Sorry, still rate limited. Please try again later." {
		t.Fatalf("expected short-circuited rate-limit reply, got %q", reply2)
	}
}

func TestGenerate401(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer srv.Close()

	reply, err := c.Generate(context.Background(), "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply == "" {
		t.Fatal("expected a fallback reply for auth failure")
	}
	if c.Status().RateLimited {
		t.Fatal("401 should not trigger the rate-limit latch")
	}
}

func TestStatusWhenNotRateLimited(t *testing.T) {
	c := NewHTTPClient(Config{APIKey: "k", APIBase: "http://unused"})
	if got := c.Status(); got.RateLimited {
		t.Fatalf("expected not rate limited by default, got %+v", got)
	}
}
