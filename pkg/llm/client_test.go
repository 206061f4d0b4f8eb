package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEstimateTokensFloor(t *testing.T) {
	require.Equal(t, int64(20), EstimateTokens(""))
	require.Equal(t, int64(20), EstimateTokens("short"))
	require.Equal(t, int64(25), EstimateTokens(string(make([]byte, 100))))
}

func TestEstimateCostFloor(t *testing.T) {
	// 20 tokens at 0.003/1k is 0.00006, below the 0.0002 floor.
	require.Equal(t, 0.0002, EstimateCost(20, 0.003, 0.0002))
	require.InDelta(t, 0.03, EstimateCost(10000, 0.003, 0.0002), 1e-9)
}

func TestOpenAICompleteParsesUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini-2024",
			"choices": [{"message": {"content": "hello back"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL, 5*time.Second)
	res, err := c.Complete(context.Background(), Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello back", res.Content)
	require.Equal(t, "gpt-4o-mini-2024", res.Model)
	require.NotNil(t, res.Usage)
	require.Equal(t, int64(15), res.Usage.TotalTokens)
	require.Nil(t, res.Cost, "openai does not report cost")
}

func TestOpenAICompleteProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL, 5*time.Second)
	_, err := c.Complete(context.Background(), Request{Model: "m"})
	require.ErrorIs(t, err, ErrProvider)
}

func TestOpenAICompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, Request{Model: "m"})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestOpenAICompleteEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL, 5*time.Second)
	_, err := c.Complete(context.Background(), Request{Model: "m"})
	require.ErrorIs(t, err, ErrProvider)
}
