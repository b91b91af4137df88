// ABOUTME: Tests for stream sessions against httptest backends
// ABOUTME: Verifies accumulation, cancellation, failure states, and hooks

package stream

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseHandler writes the given frames as a streaming response, flushing after
// each so the client sees them incrementally.
func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}
}

func TestSession_TokenConcatenationWithSources(t *testing.T) {
	server := httptest.NewServer(sseHandler(
		"data: {\"token\":\"Hi\"}\n\n",
		"data: {\"token\":\" there\"}\n\n",
		"event: source_list\ndata: {\"sources\":[{\"url\":\"a\"}]}\n\n",
		"data: [DONE]\n\n",
	))
	defer server.Close()

	client := NewClient(server.URL, "", nil)
	session, err := client.Start(context.Background(), &Request{Message: "hello", Model: "standard"}, "")
	require.NoError(t, err)

	var streamed string
	err = session.Run(context.Background(), func(text string) { streamed += text }, nil)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, session.State())
	assert.Equal(t, "Hi there", session.Text())
	assert.Equal(t, "Hi there", streamed)
	require.Len(t, session.Sources(), 1)
	assert.Equal(t, "a", session.Sources()[0].URL)
}

func TestSession_MalformedFrameDoesNotAbortStream(t *testing.T) {
	server := httptest.NewServer(sseHandler(
		"data: {\"token\":\"a\"}\n\n",
		"data: {broken\n\n",
		"data: {\"token\":\"b\"}\n\n",
		"data: [DONE]\n\n",
	))
	defer server.Close()

	client := NewClient(server.URL, "", nil)
	session, err := client.Start(context.Background(), &Request{Message: "x", Model: "standard"}, "")
	require.NoError(t, err)

	require.NoError(t, session.Run(context.Background(), nil, nil))
	assert.Equal(t, StateCompleted, session.State())
	assert.Equal(t, "ab", session.Text())
}

func TestSession_CompletesOnCleanEOFWithoutTerminator(t *testing.T) {
	server := httptest.NewServer(sseHandler("data: {\"token\":\"done early\"}\n\n"))
	defer server.Close()

	client := NewClient(server.URL, "", nil)
	session, err := client.Start(context.Background(), &Request{Message: "x", Model: "standard"}, "")
	require.NoError(t, err)

	require.NoError(t, session.Run(context.Background(), nil, nil))
	assert.Equal(t, StateCompleted, session.State())
	assert.Equal(t, "done early", session.Text())
}

func TestSession_CancelKeepsPartialText(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"token\":\"one\"}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"token\":\"two\"}\n\n")
		flusher.Flush()
		// Hold the stream open until the test is done; the client cancels
		// mid-response.
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL, "", nil)
	session, err := client.Start(context.Background(), &Request{Message: "x", Model: "standard"}, "")
	require.NoError(t, err)

	var mu sync.Mutex
	var tokens []string
	runDone := make(chan error, 1)
	go func() {
		runDone <- session.Run(context.Background(), func(text string) {
			mu.Lock()
			tokens = append(tokens, text)
			mu.Unlock()
		}, nil)
	}()

	// Wait until both tokens were applied, then cancel.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tokens) == 2
	}, 2*time.Second, 10*time.Millisecond)
	session.Cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}

	assert.Equal(t, StateCancelled, session.State())
	assert.Equal(t, "onetwo", session.Text())

	// Cancel is idempotent on a terminal session.
	session.Cancel()
	assert.Equal(t, StateCancelled, session.State())
}

func TestSession_MidStreamDropFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hijacker := w.(http.Hijacker)
		conn, buf, err := hijacker.Hijack()
		if err != nil {
			return
		}
		// Chunked response cut off without a terminating chunk: the client
		// sees a transport error mid-stream.
		fmt.Fprint(buf, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n")
		frame := "data: {\"token\":\"partial\"}\n\n"
		fmt.Fprintf(buf, "%x\r\n%s\r\n", len(frame), frame)
		buf.Flush()
		conn.Close()
	}))
	defer server.Close()

	client := NewClient(server.URL, "", nil)
	session, err := client.Start(context.Background(), &Request{Message: "x", Model: "standard"}, "")
	require.NoError(t, err)

	err = session.Run(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, StateFailed, session.State())
	// Partial text is still there for the error path to keep.
	assert.Equal(t, "partial", session.Text())
}

func TestSession_CompletionHooks(t *testing.T) {
	server := httptest.NewServer(sseHandler(
		"data: {\"token\":\"see \"}\n\n",
		"data: {\"token\":\"```artifact\\n{\\\"kind\\\":\\\"letter\\\"}\\n```\"}\n\n",
		"event: suggestion_list\ndata: {\"suggestions\":[\"next?\"]}\n\n",
		"data: [DONE]\n\n",
	))
	defer server.Close()

	client := NewClient(server.URL, "", nil)
	session, err := client.Start(context.Background(), &Request{Message: "x", Model: "standard"}, "")
	require.NoError(t, err)

	var usageRefreshed bool
	var artifactContent string
	var suggestions []string
	hooks := &Hooks{
		OnUsageRefresh: func(ctx context.Context) { usageRefreshed = true },
		OnArtifact:     func(ctx context.Context, content string) { artifactContent = content },
		OnSuggestions:  func(ctx context.Context, s []string) { suggestions = s },
	}

	require.NoError(t, session.Run(context.Background(), nil, hooks))

	assert.True(t, usageRefreshed)
	assert.Contains(t, artifactContent, "```artifact")
	assert.Equal(t, []string{"next?"}, suggestions)
}

func TestSession_NoArtifactHookWithoutFence(t *testing.T) {
	server := httptest.NewServer(sseHandler(
		"data: {\"token\":\"plain answer\"}\n\n",
		"data: [DONE]\n\n",
	))
	defer server.Close()

	client := NewClient(server.URL, "", nil)
	session, err := client.Start(context.Background(), &Request{Message: "x", Model: "standard"}, "")
	require.NoError(t, err)

	called := false
	hooks := &Hooks{OnArtifact: func(ctx context.Context, content string) { called = true }}
	require.NoError(t, session.Run(context.Background(), nil, hooks))
	assert.False(t, called)
}

// readRequestBody is a helper for handlers that assert on the request.
func readRequestBody(r *http.Request) string {
	scanner := bufio.NewScanner(r.Body)
	var out string
	for scanner.Scan() {
		out += scanner.Text()
	}
	return out
}
