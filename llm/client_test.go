package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallReturnsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "coder-1", req.Model)
		assert.Len(t, req.Messages, 2)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello from model"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Call(context.Background(), "coder-1", []Message{
		{Role: "system", Content: "you are a planner"},
		{Role: "user", Content: "plan it"},
	}, 0.2, 5*time.Second)

	require.NoError(t, err)
	assert.Equal(t, "hello from model", resp.Content)
	assert.GreaterOrEqual(t, resp.DurationMs, int64(0))
}

func TestCallFlatContentShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content":"flat"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Call(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "flat", resp.Content)
}

func TestCallTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Call(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, 0, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTransient(err), "deadline expiry should be transient")
}

func TestCallCancellationPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background connection
		// read; without it r.Context() is never canceled on disconnect.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := NewClient(srv.URL)
	_, err := c.Call(ctx, "m", []Message{{Role: "user", Content: "x"}}, 0, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || IsTransient(err))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"server error", http.StatusInternalServerError, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL)
			_, err := c.Call(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, 0, 0)
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, !tt.transient, IsFatal(err))
		})
	}
}

func TestCallRequiresMessages(t *testing.T) {
	c := NewClient("http://unused")
	_, err := c.Call(context.Background(), "m", nil, 0, 0)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}
