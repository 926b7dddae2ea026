package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok/vmcpgw/internal/gwerrors"
	"github.com/stacklok/vmcpgw/internal/gwlog"
)

// HTTPPostAdapter POSTs JSON-RPC requests to a fixed URL. The response is
// either a direct JSON body or an SSE stream, see spec.md §4.1.
type HTTPPostAdapter struct {
	url        string
	headers    map[string]string
	maxRetries int
	client     *http.Client

	mu         sync.Mutex
	sessionID  string
	closed     bool
	eventsDone atomic.Bool

	events chan Event
}

// NewHTTPPostAdapter constructs an adapter for the given URL, extra headers,
// and max retry count.
func NewHTTPPostAdapter(url string, headers map[string]string, maxRetries int) *HTTPPostAdapter {
	return &HTTPPostAdapter{
		url:        url,
		headers:    headers,
		maxRetries: maxRetries,
		client:     &http.Client{},
		events:     make(chan Event, 16),
	}
}

// Connect implements Adapter. HTTP is stateless per-request, so Connect only
// announces readiness.
func (a *HTTPPostAdapter) Connect(_ context.Context) error {
	a.emit(Event{Kind: EventConnected})
	return nil
}

// SendRequest implements Adapter, with retry-with-backoff per spec.md §4.1:
// on transport or non-2xx error, up to maxRetries more attempts at
// 2^attempt-second delay.
func (a *HTTPPostAdapter) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, gwerrors.RequestTimeout(a.url)
			}
		}
		resp, err := a.doRequest(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		gwlog.Warnf("http backend %s: attempt %d failed: %v", a.url, attempt, err)
	}
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.emit(Event{Kind: EventError, Err: lastErr})
	return nil, gwerrors.Wrap(gwerrors.KindTransport, "request failed after retries", lastErr)
}

func (a *HTTPPostAdapter) doRequest(ctx context.Context, req *Request) (*Response, error) {
	wire := wireMessage{JSONRPC: "2.0", ID: &req.ID, Method: req.Method}
	var err error
	wire.Params, err = json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Connection", "keep-alive")
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer httpResp.Body.Close()

	if sid := httpResp.Header.Get("Mcp-Session-Id"); sid != "" {
		a.mu.Lock()
		a.sessionID = sid
		a.mu.Unlock()
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("non-2xx response: %d", httpResp.StatusCode)
	}

	contentType := httpResp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		return parseSSEForID(httpResp.Body, req.ID)
	}

	var msg wireMessage
	if err := json.NewDecoder(httpResp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode json response: %w", err)
	}
	return &Response{ID: req.ID, Result: msg.Result, Error: msg.Error}, nil
}

// parseSSEForID reads SSE frames from r until it finds one whose parsed JSON
// has an id equal to wantID, discarding the "data: [DONE]" sentinel, per
// spec.md §4.1.
func parseSSEForID(r io.Reader, wantID int64) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var dataLines []string
	flush := func() (*Response, bool, error) {
		if len(dataLines) == 0 {
			return nil, false, nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = nil
		if strings.TrimSpace(data) == "[DONE]" {
			return nil, false, nil
		}
		var msg wireMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, false, nil // ignore malformed frames, keep reading
		}
		if msg.ID != nil && *msg.ID == wantID {
			return &Response{ID: wantID, Result: msg.Result, Error: msg.Error}, true, nil
		}
		return nil, false, nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok, err := flush(); err != nil {
				return nil, err
			} else if ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: and other SSE fields are not needed to
			// correlate by id.
		}
	}
	if resp, ok, _ := flush(); ok {
		return resp, nil
	}
	return nil, gwerrors.New(gwerrors.KindProtocol, "sse stream ended without matching response")
}

// SendNotification implements Adapter as a fire-and-forget POST; failures
// are logged, not retried (spec.md §9 Open Questions).
func (a *HTTPPostAdapter) SendNotification(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	wire := wireMessage{JSONRPC: "2.0", Method: method, Params: raw}
	body, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(httpReq)
	if err != nil {
		gwlog.Warnf("http backend %s: notification %s failed: %v", a.url, method, err)
		return nil
	}
	defer resp.Body.Close()
	return nil
}

// Disconnect implements Adapter.
func (a *HTTPPostAdapter) Disconnect() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.eventsDone.Store(true)
	close(a.events)
	return nil
}

func (a *HTTPPostAdapter) emit(ev Event) {
	if a.eventsDone.Load() {
		return
	}
	select {
	case a.events <- ev:
	default:
	}
}

// Events implements Adapter.
func (a *HTTPPostAdapter) Events() <-chan Event { return a.events }
