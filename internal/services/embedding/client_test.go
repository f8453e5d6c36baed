package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"distill/internal/services"
)

func newTestClient(t *testing.T, dimension int, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(
		Config{APIKey: "test-key", BaseURL: server.URL, Model: "embed-1", Dimension: dimension},
		WithSleeper(func(time.Duration) {}),
	)
}

func vectorResponse(t *testing.T, n int) []byte {
	t.Helper()
	vector := make([]float64, n)
	for i := range vector {
		vector[i] = float64(i) / 100
	}
	body, err := json.Marshal(map[string]any{
		"data": []map[string]any{{"embedding": vector}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestEmbedReturnsVector(t *testing.T) {
	client := newTestClient(t, 8, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
			Input string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "embed-1" || req.Input != "weekly sync notes" {
			t.Errorf("request = %+v", req)
		}
		w.Write(vectorResponse(t, 8))
	})

	vector, err := client.Embed(context.Background(), "weekly sync notes")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vector) != 8 {
		t.Fatalf("len = %d, want 8", len(vector))
	}
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, 8, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(vectorResponse(t, 512))
	})

	_, err := client.Embed(context.Background(), "text")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want validation rejection", err)
	}
	// A dimension mismatch is a contract violation, not a flake.
	if calls.Load() != 1 {
		t.Errorf("calls = %d, mismatch should not be retried", calls.Load())
	}
}

func TestEmbedRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, 4, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(vectorResponse(t, 4))
	})

	vector, err := client.Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vector) != 4 || calls.Load() != 2 {
		t.Errorf("len = %d calls = %d", len(vector), calls.Load())
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	client := NewClient(Config{APIKey: "k", BaseURL: "http://localhost", Model: "m"})
	_, err := client.Embed(context.Background(), "   ")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestEmbedProviderError(t *testing.T) {
	client := newTestClient(t, 4, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"model not found"}}`))
	})
	_, err := client.Embed(context.Background(), "text")
	if !errors.Is(err, services.ErrProvider) {
		t.Fatalf("err = %v, want provider error", err)
	}
}
