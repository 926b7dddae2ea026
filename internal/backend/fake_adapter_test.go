package backend

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stacklok/vmcpgw/internal/transport"
)

// fakeAdapter is an in-memory transport.Adapter double used by session and
// supervisor tests, standing in for a real child-process/HTTP/SSE backend.
type fakeAdapter struct {
	mu          sync.Mutex
	connectErr  error
	initResult  json.RawMessage
	toolsResult json.RawMessage
	resResult   json.RawMessage
	promResult  json.RawMessage
	callResult  json.RawMessage
	callErr     error
	connected   bool

	events chan transport.Event
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		initResult:  json.RawMessage(`{"capabilities":{"tools":{},"resources":{},"prompts":{}}}`),
		toolsResult: json.RawMessage(`{"tools":[{"name":"echo","description":"echoes input"}]}`),
		resResult:   json.RawMessage(`{"resources":[{"uri":"file:///a","name":"a"}]}`),
		promResult:  json.RawMessage(`{"prompts":[{"name":"greet","arguments":[]}]}`),
		events:      make(chan transport.Event, 16),
	}
}

func (f *fakeAdapter) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeAdapter) SendRequest(_ context.Context, req *transport.Request) (*transport.Response, error) {
	switch req.Method {
	case "initialize":
		return &transport.Response{ID: req.ID, Result: f.initResult}, nil
	case "tools/list":
		return &transport.Response{ID: req.ID, Result: f.toolsResult}, nil
	case "resources/list":
		return &transport.Response{ID: req.ID, Result: f.resResult}, nil
	case "prompts/list":
		return &transport.Response{ID: req.ID, Result: f.promResult}, nil
	case "tools/call":
		if f.callErr != nil {
			return nil, f.callErr
		}
		result := f.callResult
		if result == nil {
			result = json.RawMessage(`{"ok":true}`)
		}
		return &transport.Response{ID: req.ID, Result: result}, nil
	default:
		return &transport.Response{ID: req.ID, Result: json.RawMessage(`{}`)}, nil
	}
}

func (f *fakeAdapter) SendNotification(context.Context, string, any) error { return nil }

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	close(f.events)
	return nil
}

func (f *fakeAdapter) Events() <-chan transport.Event { return f.events }

func (f *fakeAdapter) pushEvent(ev transport.Event) { f.events <- ev }
