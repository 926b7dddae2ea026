package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stacklok/vmcpgw/internal/transport"
)

// fakeAdapter is a minimal in-memory transport.Adapter double, mirroring
// internal/backend's own test double, for exercising the gateway against a
// real Supervisor without a live backend process.
type fakeAdapter struct {
	mu     sync.Mutex
	events chan transport.Event
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{events: make(chan transport.Event, 16)}
}

func (f *fakeAdapter) Connect(context.Context) error { return nil }

func (f *fakeAdapter) SendRequest(_ context.Context, req *transport.Request) (*transport.Response, error) {
	switch req.Method {
	case "initialize":
		return &transport.Response{ID: req.ID, Result: json.RawMessage(`{"capabilities":{"tools":{},"resources":{},"prompts":{}}}`)}, nil
	case "tools/list":
		return &transport.Response{ID: req.ID, Result: json.RawMessage(`{"tools":[{"name":"echo","description":"echoes input"}]}`)}, nil
	case "resources/list":
		return &transport.Response{ID: req.ID, Result: json.RawMessage(`{"resources":[{"uri":"file:///a","name":"a"}]}`)}, nil
	case "prompts/list":
		return &transport.Response{ID: req.ID, Result: json.RawMessage(`{"prompts":[{"name":"greet","arguments":[]}]}`)}, nil
	case "tools/call":
		return &transport.Response{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}, nil
	default:
		return &transport.Response{ID: req.ID, Result: json.RawMessage(`{}`)}, nil
	}
}

func (f *fakeAdapter) SendNotification(context.Context, string, any) error { return nil }

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.events)
	return nil
}

func (f *fakeAdapter) Events() <-chan transport.Event { return f.events }
