package router

import (
	"context"

	"github.com/stacklok/vmcpgw/internal/gwlog"
	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

// BackendCapabilities is one backend's capability snapshot, as discovered
// by a backend session (L2), keyed by backend ID by the caller. Tool and
// prompt Names already carry the backend's ToolPrefix when one is
// configured; RawName holds the backend-native name.
type BackendCapabilities struct {
	BackendID string
	Tools     []vmcp.Tool
	Resources []vmcp.Resource
	Prompts   []vmcp.Prompt
}

// Aggregator builds the gateway's public routing table from every
// backend's raw capabilities, applying a ToolResolver to settle tool-name
// conflicts, per spec.md §4.5.
type Aggregator struct {
	resolver ToolResolver
}

// NewAggregator constructs an Aggregator using resolver for tool-name
// conflicts.
func NewAggregator(resolver ToolResolver) *Aggregator {
	return &Aggregator{resolver: resolver}
}

// BuildRoutingTable resolves tools via the configured ToolResolver, and
// resources/prompts with a simple first-registered-wins policy (equivalent
// to the teacher's Phase 1 aggregator behavior for non-tool capabilities),
// logging a warning whenever a later backend's URI or prompt name is
// shadowed by an earlier one.
func (a *Aggregator) BuildRoutingTable(ctx context.Context, snapshots []BackendCapabilities) (*vmcp.RoutingTable, map[string]*vmcp.Tool, error) {
	toolsByBackend := make(map[string][]vmcp.Tool, len(snapshots))
	for _, s := range snapshots {
		toolsByBackend[s.BackendID] = s.Tools
	}

	resolvedTools, err := a.resolver.ResolveTools(ctx, toolsByBackend)
	if err != nil {
		return nil, nil, err
	}

	table := vmcp.NewRoutingTable()
	for publicName, t := range resolvedTools {
		table.Tools[publicName] = &vmcp.BackendTarget{BackendID: t.BackendID, RawName: t.RawName}
	}

	for _, s := range snapshots {
		for _, r := range s.Resources {
			if _, exists := table.Resources[r.URI]; exists {
				gwlog.Warnf("router: resource %q already registered, backend %q shadowed", r.URI, s.BackendID)
				continue
			}
			table.Resources[r.URI] = &vmcp.BackendTarget{BackendID: s.BackendID, RawName: r.URI}
		}
		for _, p := range s.Prompts {
			name := p.Name
			if name == "" {
				name = p.RawName
			}
			raw := p.RawName
			if raw == "" {
				raw = p.Name
			}
			if _, exists := table.Prompts[name]; exists {
				gwlog.Warnf("router: prompt %q already registered, backend %q shadowed", name, s.BackendID)
				continue
			}
			table.Prompts[name] = &vmcp.BackendTarget{BackendID: s.BackendID, RawName: raw}
		}
	}

	return table, resolvedTools, nil
}
