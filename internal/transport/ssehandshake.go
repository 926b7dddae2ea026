package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok/vmcpgw/internal/gwerrors"
	"github.com/stacklok/vmcpgw/internal/gwlog"
)

const handshakeTimeout = 10 * time.Second

// SSEHandshakeAdapter performs a GET handshake to discover a POST endpoint,
// keeps the GET stream open in the background for server-initiated
// notifications, and POSTs subsequent requests to the discovered endpoint,
// per spec.md §4.1.
type SSEHandshakeAdapter struct {
	baseURL string
	headers map[string]string
	client  *http.Client

	mu          sync.Mutex
	endpointURL string
	sessionID   string
	closed      bool
	cancelGET   context.CancelFunc

	pending map[int64]*pendingEntry
	nextSeq int64

	events     chan Event
	eventsDone atomic.Bool
}

// NewSSEHandshakeAdapter constructs an adapter for the given handshake URL.
func NewSSEHandshakeAdapter(baseURL string, headers map[string]string) *SSEHandshakeAdapter {
	return &SSEHandshakeAdapter{
		baseURL: baseURL,
		headers: headers,
		client:  &http.Client{},
		pending: make(map[int64]*pendingEntry),
		events:  make(chan Event, 16),
	}
}

// Connect implements Adapter: GETs the handshake URL and blocks until an
// `event: endpoint` frame arrives or handshakeTimeout elapses.
func (a *SSEHandshakeAdapter) Connect(ctx context.Context) error {
	// The GET request's context controls the entire lifetime of its body
	// read (net/http), so it must outlive this function: it is the
	// persistent stream pumpServerStream reads from in the background, not
	// just the handshake. Only the wait for the initial "endpoint" frame
	// below is bounded by handshakeTimeout; streamCtx itself is canceled
	// solely by Disconnect (a.cancelGET).
	streamCtx, cancelStream := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, a.baseURL, nil)
	if err != nil {
		cancelStream()
		return gwerrors.Wrap(gwerrors.KindTransport, "build handshake request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		cancelStream()
		return gwerrors.Wrap(gwerrors.KindTransport, "handshake GET failed", err)
	}

	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, handshakeTimeout)
	defer cancelHandshake()

	endpoint, sessionID, err := waitForEndpointFrame(handshakeCtx, resp.Body)
	if err != nil {
		resp.Body.Close()
		cancelStream()
		return err
	}

	resolved, err := resolveEndpoint(a.baseURL, endpoint)
	if err != nil {
		resp.Body.Close()
		cancelStream()
		return err
	}

	a.mu.Lock()
	a.endpointURL = resolved
	a.sessionID = sessionID
	a.cancelGET = cancelStream
	a.mu.Unlock()

	go a.pumpServerStream(streamCtx, resp.Body)

	a.emit(Event{Kind: EventConnected})
	return nil
}

// waitForEndpointFrame reads SSE frames until it finds `event: endpoint`,
// returning its data (endpoint path, optional sessionId=... query param).
func waitForEndpointFrame(ctx context.Context, body interface {
	Read([]byte) (int, error)
}) (endpoint, sessionID string, err error) {
	type result struct {
		endpoint, sessionID string
		err                 error
	}
	resCh := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(body)
		var event, data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if event == "endpoint" {
					resCh <- result{endpoint: data, sessionID: extractSessionID(data)}
					return
				}
				event, data = "", ""
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			}
		}
		resCh <- result{err: gwerrors.New(gwerrors.KindProtocol, "stream ended before endpoint frame")}
	}()

	select {
	case r := <-resCh:
		return r.endpoint, r.sessionID, r.err
	case <-ctx.Done():
		return "", "", gwerrors.New(gwerrors.KindTimeout, "handshake timed out waiting for endpoint frame")
	}
}

func extractSessionID(data string) string {
	idx := strings.Index(data, "sessionId=")
	if idx < 0 {
		return ""
	}
	rest := data[idx+len("sessionId="):]
	if amp := strings.IndexAny(rest, "&\n"); amp >= 0 {
		rest = rest[:amp]
	}
	return rest
}

func resolveEndpoint(baseURL, endpoint string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.KindProtocol, "parse base url", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.KindProtocol, "parse endpoint", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (a *SSEHandshakeAdapter) pumpServerStream(_ context.Context, body interface {
	Read([]byte) (int, error)
	Close() error
}) {
	defer body.Close()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var event, data string
	flush := func() {
		if data == "" {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			event, data = "", ""
			return
		}
		if msg.ID != nil && msg.Method == "" {
			a.mu.Lock()
			entry, ok := a.pending[*msg.ID]
			if ok {
				delete(a.pending, *msg.ID)
			}
			a.mu.Unlock()
			if ok {
				entry.complete(&Response{ID: *msg.ID, Result: msg.Result, Error: msg.Error})
			}
		} else if msg.Method != "" {
			kind := EventServerMessage
			switch msg.Method {
			case "notifications/tools/list_changed":
				kind = EventToolsChanged
			case "notifications/resources/list_changed":
				kind = EventResourcesChanged
			case "notifications/prompts/list_changed":
				kind = EventPromptsChanged
			}
			a.emit(Event{Kind: kind, Notification: []byte(data)})
		}
		event, data = "", ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		}
	}
	_ = event

	a.failAllPending(gwerrors.Disconnected(a.baseURL))
	a.emit(Event{Kind: EventDisconnected})
}

// SendRequest implements Adapter by POSTing to the discovered endpoint and
// awaiting the response via the persistent GET stream.
func (a *SSEHandshakeAdapter) SendRequest(ctx context.Context, req *Request) (*Response, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, gwerrors.Disconnected(a.baseURL)
	}
	endpoint := a.endpointURL
	sessionID := a.sessionID
	entry := &pendingEntry{respCh: make(chan *Response, 1)}
	a.pending[req.ID] = entry
	a.mu.Unlock()

	params, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	wire := wireMessage{JSONRPC: "2.0", ID: &req.ID, Method: req.Method, Params: params}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		a.removePending(req.ID)
		return nil, gwerrors.Wrap(gwerrors.KindTransport, "post to endpoint", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.removePending(req.ID)
		return nil, gwerrors.New(gwerrors.KindTransport, fmt.Sprintf("non-2xx response: %d", resp.StatusCode))
	}

	select {
	case r := <-entry.respCh:
		return r, nil
	case <-ctx.Done():
		a.removePending(req.ID)
		return nil, gwerrors.RequestTimeout(a.baseURL)
	}
}

func (a *SSEHandshakeAdapter) removePending(id int64) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

func (a *SSEHandshakeAdapter) failAllPending(err error) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[int64]*pendingEntry)
	a.mu.Unlock()
	for id, entry := range pending {
		entry.complete(&Response{ID: id, Error: &RPCError{Code: gwerrors.CodeInternalError, Message: err.Error()}})
	}
}

// SendNotification implements Adapter.
func (a *SSEHandshakeAdapter) SendNotification(ctx context.Context, method string, params any) error {
	a.mu.Lock()
	endpoint := a.endpointURL
	a.mu.Unlock()
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	wire := wireMessage{JSONRPC: "2.0", Method: method, Params: raw}
	body, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		gwlog.Warnf("sse backend %s: notification %s failed: %v", a.baseURL, method, err)
		return nil
	}
	defer resp.Body.Close()
	return nil
}

// Disconnect implements Adapter. A fresh handshake on reconnect yields a new
// session id; pending requests from the previous session are failed here,
// per spec.md §9.
func (a *SSEHandshakeAdapter) Disconnect() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancelGET
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.failAllPending(gwerrors.Disconnected(a.baseURL))
	a.eventsDone.Store(true)
	close(a.events)
	return nil
}

func (a *SSEHandshakeAdapter) emit(ev Event) {
	if a.eventsDone.Load() {
		return
	}
	select {
	case a.events <- ev:
	default:
	}
}

// Events implements Adapter.
func (a *SSEHandshakeAdapter) Events() <-chan Event { return a.events }
