package sessioncontext

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// SchemaRef is the reference object substituted for a schema already sent
// under a given digest, per spec.md §4.6.
type SchemaRef struct {
	SchemaRef string `json:"$schemaRef"`
}

// SchemaRegistry is a bulk-transmission snapshot: every unique schema by
// digest, and which tool names use it.
type SchemaRegistry struct {
	Schemas map[string]map[string]any `json:"schemas"`
	Tools   map[string]string        `json:"tools"`
}

// SchemaDeduplicator is a cross-request (not per-session) registry that
// emits each unique tool input schema once, referring to subsequent
// occurrences by a 12-hex digest, per spec.md §4.6.
type SchemaDeduplicator struct {
	mu          sync.Mutex
	schemaByDig map[string]map[string]any
	digByTool   map[string]string
	toolsByDig  map[string]map[string]bool
}

// NewSchemaDeduplicator constructs an empty deduplicator.
func NewSchemaDeduplicator() *SchemaDeduplicator {
	return &SchemaDeduplicator{
		schemaByDig: make(map[string]map[string]any),
		digByTool:   make(map[string]string),
		toolsByDig:  make(map[string]map[string]bool),
	}
}

// schemaDigest canonicalizes a schema (sorted top-level keys) and digests it
// to a 12-hex prefix of SHA-256.
func schemaDigest(schema map[string]any) (string, error) {
	canon, err := canonicalJSON(schema)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:12], nil
}

// GetDeduplicated registers toolName's schema and returns either the full
// schema (the first time its digest is seen in alreadySent) or a
// {$schemaRef: digest} reference. alreadySent is mutated to record the
// digest.
func (d *SchemaDeduplicator) GetDeduplicated(toolName string, schema map[string]any, alreadySent map[string]bool) (any, error) {
	digest, err := schemaDigest(schema)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.schemaByDig[digest] = schema
	d.digByTool[toolName] = digest
	if d.toolsByDig[digest] == nil {
		d.toolsByDig[digest] = make(map[string]bool)
	}
	d.toolsByDig[digest][toolName] = true
	d.mu.Unlock()

	if alreadySent[digest] {
		return SchemaRef{SchemaRef: digest}, nil
	}
	alreadySent[digest] = true
	return schema, nil
}

// BuildRegistry returns the bulk-transmission registry for the given tool
// names, or for every tool the deduplicator has ever seen when toolNames is
// nil.
func (d *SchemaDeduplicator) BuildRegistry(toolNames []string) SchemaRegistry {
	d.mu.Lock()
	defer d.mu.Unlock()

	if toolNames == nil {
		for name := range d.digByTool {
			toolNames = append(toolNames, name)
		}
	}

	reg := SchemaRegistry{
		Schemas: make(map[string]map[string]any),
		Tools:   make(map[string]string),
	}
	for _, name := range toolNames {
		digest, ok := d.digByTool[name]
		if !ok {
			continue
		}
		reg.Tools[name] = digest
		if _, already := reg.Schemas[digest]; !already {
			reg.Schemas[digest] = d.schemaByDig[digest]
		}
	}
	return reg
}
