package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSSEForID_SkipsDoneAndMatchesID(t *testing.T) {
	t.Parallel()

	stream := "data: {\"jsonrpc\":\"2.0\",\"id\":7,\"result\":{\"n\":1}}\n\n" +
		"data: [DONE]\n\n"

	resp, err := parseSSEForID(strings.NewReader(stream), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.ID)
	assert.JSONEq(t, `{"n":1}`, string(resp.Result))
}

func TestParseSSEForID_IgnoresNonMatchingID(t *testing.T) {
	t.Parallel()

	stream := "data: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n" +
		"data: {\"jsonrpc\":\"2.0\",\"id\":7,\"result\":{\"n\":1}}\n\n"

	resp, err := parseSSEForID(strings.NewReader(stream), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.ID)
}

func TestHTTPPostAdapter_JSONResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mcp-Session-Id", "sess-123")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
	}))
	defer srv.Close()

	a := NewHTTPPostAdapter(srv.URL, nil, 0)
	require.NoError(t, a.Connect(context.Background()))

	resp, err := a.SendRequest(context.Background(), &Request{ID: 1, Method: "ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))

	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	assert.Equal(t, "sess-123", sessionID)
}

func TestHTTPPostAdapter_RetriesThenFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewHTTPPostAdapter(srv.URL, nil, 1)
	require.NoError(t, a.Connect(context.Background()))

	_, err := a.SendRequest(context.Background(), &Request{ID: 1, Method: "ping"})
	require.Error(t, err)
}

func TestExtractSessionID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc123", extractSessionID("/messages?sessionId=abc123"))
	assert.Equal(t, "abc123", extractSessionID("/messages?sessionId=abc123&other=1"))
	assert.Equal(t, "", extractSessionID("/messages"))
}

func TestResolveEndpoint_RelativeAndAbsolute(t *testing.T) {
	t.Parallel()

	got, err := resolveEndpoint("http://host:8080/sse", "/messages?sessionId=abc")
	require.NoError(t, err)
	assert.Equal(t, "http://host:8080/messages?sessionId=abc", got)

	got, err = resolveEndpoint("http://host:8080/sse", "http://other:9090/messages")
	require.NoError(t, err)
	assert.Equal(t, "http://other:9090/messages", got)
}
