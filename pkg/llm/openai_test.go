package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChatSendsRequestAndParsesReply(t *testing.T) {
	var got openAIRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"all clear"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", "gpt-4o-mini").WithEndpoint(srv.URL)
	resp, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: "you are terse"},
		{Role: "user", Content: "status?"},
	}, &Options{Temperature: 0.2, MaxTokens: 64})
	require.NoError(t, err)
	require.Equal(t, "all clear", resp.Content)

	require.Equal(t, "Bearer sk-test", auth)
	require.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	require.Equal(t, "status?", got.Messages[1].Content)
	require.Equal(t, 0.2, got.Temperature)
	require.Equal(t, 64, got.MaxTokens)
}

func TestChatReturnsAPIErrorOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", "gpt-4o-mini").WithEndpoint(srv.URL)
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	require.Contains(t, apiErr.Body, "slow down")
}

func TestChatRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", "gpt-4o-mini").WithEndpoint(srv.URL)
	_, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil)
	require.ErrorContains(t, err, "empty choices")
}
