// Package router implements the aggregation layer (L5): it takes the raw,
// per-backend tool/resource/prompt lists the supervisor discovers and
// resolves them into one flat public namespace, applying a configurable
// conflict-resolution strategy wherever two backends advertise the same
// name, per spec.md §4.5.
package router

import (
	"context"
	"fmt"
	"sort"

	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

// ToolResolver resolves raw per-backend tool lists into one public-name ->
// Tool map, annotating each tool with the strategy that assigned its name.
type ToolResolver interface {
	ResolveTools(ctx context.Context, toolsByBackend map[string][]vmcp.Tool) (map[string]*vmcp.Tool, error)
}

// PrefixResolver qualifies every tool name with its owning backend's ID,
// per spec.md §4.5 and the teacher's aggregator.PrefixConflictResolver,
// except where the backend session already applied its own explicit
// ToolPrefix (spec.md §4.2): a candidate Name that already differs from
// its RawName is kept as it is rather than prefixed a second time.
type PrefixResolver struct{}

// NewPrefixResolver constructs a PrefixResolver.
func NewPrefixResolver() *PrefixResolver { return &PrefixResolver{} }

// ResolveTools implements ToolResolver.
func (*PrefixResolver) ResolveTools(_ context.Context, toolsByBackend map[string][]vmcp.Tool) (map[string]*vmcp.Tool, error) {
	out := make(map[string]*vmcp.Tool)
	for backendID, tools := range toolsByBackend {
		for i := range tools {
			t := tools[i]
			raw := rawNameOf(&t)
			candidate := candidateNameOf(&t)
			t.RawName = raw
			t.BackendID = backendID
			if candidate != raw {
				// candidate already differs from the backend-native name,
				// meaning the session applied its own configured ToolPrefix
				// (spec.md §4.2) before the router ever saw this tool. That
				// prefix is independent of backendID and already disambiguates
				// the name, so reconstructing backendID+"_" here would
				// double-prefix it (e.g. id="srv2", toolPrefix="db" already
				// yields "db_query"; this must stay "db_query", not
				// "srv2_db_query").
				t.Name = candidate
			} else {
				t.Name = backendID + "_" + candidate
			}
			t.ConflictResolutionApplied = vmcp.ConflictStrategyPrefix
			out[t.Name] = &t
		}
	}
	return out, nil
}

// PriorityResolver assigns unqualified names by default; when two backends
// advertise the same raw name, the backend earliest in priorityOrder wins
// outright and every other contender falls back to a prefixed name, per the
// teacher's aggregator.PriorityConflictResolver.
type PriorityResolver struct {
	rank map[string]int
}

// NewPriorityResolver constructs a PriorityResolver. priorityOrder must be
// non-empty; backends not listed are treated as lowest priority but are
// still eligible for an unqualified name when no conflict occurs.
func NewPriorityResolver(priorityOrder []string) (*PriorityResolver, error) {
	if len(priorityOrder) == 0 {
		return nil, fmt.Errorf("router: priority order must not be empty")
	}
	rank := make(map[string]int, len(priorityOrder))
	for i, id := range priorityOrder {
		rank[id] = i
	}
	return &PriorityResolver{rank: rank}, nil
}

func (r *PriorityResolver) rankOf(backendID string) int {
	if rnk, ok := r.rank[backendID]; ok {
		return rnk
	}
	return len(r.rank) // unlisted backends rank after every listed one
}

// ResolveTools implements ToolResolver.
func (r *PriorityResolver) ResolveTools(_ context.Context, toolsByBackend map[string][]vmcp.Tool) (map[string]*vmcp.Tool, error) {
	byCandidate := make(map[string][]*vmcp.Tool)
	for backendID, tools := range toolsByBackend {
		for i := range tools {
			t := tools[i]
			candidate := candidateNameOf(&t)
			t.RawName = rawNameOf(&t)
			t.BackendID = backendID
			byCandidate[candidate] = append(byCandidate[candidate], &t)
		}
	}

	out := make(map[string]*vmcp.Tool)
	for candidate, contenders := range byCandidate {
		if len(contenders) == 1 {
			t := contenders[0]
			t.Name = candidate
			t.ConflictResolutionApplied = vmcp.ConflictStrategyPriority
			out[candidate] = t
			continue
		}

		sort.Slice(contenders, func(i, j int) bool {
			return r.rankOf(contenders[i].BackendID) < r.rankOf(contenders[j].BackendID)
		})
		winner := contenders[0]
		winner.Name = candidate
		winner.ConflictResolutionApplied = vmcp.ConflictStrategyPriority
		out[candidate] = winner

		for _, loser := range contenders[1:] {
			loser.Name = loser.BackendID + "_" + candidate
			loser.ConflictResolutionApplied = vmcp.ConflictStrategyPrefix
			out[loser.Name] = loser
		}
	}
	return out, nil
}

// ErrorResolver rejects any configuration where two backends advertise the
// same raw tool name, forcing operators to resolve the collision with
// explicit per-backend prefixes instead of an implicit policy.
type ErrorResolver struct{}

// NewErrorResolver constructs an ErrorResolver.
func NewErrorResolver() *ErrorResolver { return &ErrorResolver{} }

// ResolveTools implements ToolResolver.
func (*ErrorResolver) ResolveTools(_ context.Context, toolsByBackend map[string][]vmcp.Tool) (map[string]*vmcp.Tool, error) {
	seen := make(map[string]string) // candidate name -> owning backendID
	out := make(map[string]*vmcp.Tool)
	for backendID, tools := range toolsByBackend {
		for i := range tools {
			t := tools[i]
			candidate := candidateNameOf(&t)
			if owner, dup := seen[candidate]; dup {
				return nil, fmt.Errorf("router: tool %q advertised by both %q and %q", candidate, owner, backendID)
			}
			seen[candidate] = backendID
			t.RawName = rawNameOf(&t)
			t.BackendID = backendID
			t.Name = candidate
			t.ConflictResolutionApplied = vmcp.ConflictStrategyNone
			out[t.Name] = &t
		}
	}
	return out, nil
}

// candidateNameOf is the pre-resolution name two backends might collide on:
// the tool's already-configured public Name (e.g. after an explicit
// per-backend prefix), falling back to RawName if Name was never set.
func candidateNameOf(t *vmcp.Tool) string {
	if t.Name != "" {
		return t.Name
	}
	return t.RawName
}

// rawNameOf is the backend-native name to dispatch tools/call with,
// preserved independently of whatever public name the resolver assigns.
func rawNameOf(t *vmcp.Tool) string {
	if t.RawName != "" {
		return t.RawName
	}
	return t.Name
}

// NewResolver builds a ToolResolver for the named strategy ("priority",
// "prefix", or "error"), matching the Aggregation.ConflictResolution
// setting.
func NewResolver(strategy string, priorityOrder []string) (ToolResolver, error) {
	switch strategy {
	case "", "prefix":
		return NewPrefixResolver(), nil
	case "priority":
		return NewPriorityResolver(priorityOrder)
	case "error":
		return NewErrorResolver(), nil
	default:
		return nil, fmt.Errorf("router: unknown conflict resolution strategy %q", strategy)
	}
}
