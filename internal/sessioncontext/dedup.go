// Package sessioncontext implements the L6 layer: per-upstream-session
// memory of what has already been sent (dedup), cumulative token-budget
// tracking, cross-session schema deduplication, and delta-encoded repeated
// query responses, per spec.md §4.6.
package sessioncontext

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ContentKind classifies what a dedup entry holds, per spec.md §4.6's
// SessionContext type table.
type ContentKind string

// Content kinds tracked by SessionContext.
const (
	KindSchema ContentKind = "schema"
	KindResult ContentKind = "result"
	KindSkill  ContentKind = "skill"
)

const defaultRecallWindow = 30 * time.Minute

type sentEntry struct {
	kind          ContentKind
	name          string
	sentAt        time.Time
	tokenEstimate int
}

// SessionContext is one upstream session's memory of schemas/results/skills
// already delivered, keyed by a 16-hex content digest, per spec.md §4.6.
type SessionContext struct {
	mu           sync.Mutex
	recallWindow time.Duration
	sent         map[string]sentEntry

	duplicatesAvoided int
	tokensSaved       int
}

// NewSessionContext constructs a SessionContext with the default 30-minute
// recall window. Use NewSessionContextWithWindow to override it.
func NewSessionContext() *SessionContext {
	return NewSessionContextWithWindow(defaultRecallWindow)
}

// NewSessionContextWithWindow constructs a SessionContext with a custom
// recall window.
func NewSessionContextWithWindow(window time.Duration) *SessionContext {
	return &SessionContext{
		recallWindow: window,
		sent:         make(map[string]sentEntry),
	}
}

// digestKey computes the 16-hex prefix of SHA-256 over the canonical JSON of
// {type, name, content}, per spec.md §4.6.
func digestKey(kind ContentKind, name string, content any) (string, error) {
	canon, err := canonicalJSON(map[string]any{"type": string(kind), "name": name, "content": content})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:16], nil
}

// GetOptimized returns content unchanged the first time it is seen within
// the recall window, recording its digest; on every subsequent call for the
// same (kind, name, content) within the window it instead returns a
// placeholder string and records a duplicate-avoided event, per spec.md
// §4.6 and property P10.
func (s *SessionContext) GetOptimized(kind ContentKind, name string, content any, tokenEstimate int) (string, error) {
	key, err := digestKey(kind, name, content)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune()

	if entry, ok := s.sent[key]; ok && time.Since(entry.sentAt) < s.recallWindow {
		s.duplicatesAvoided++
		s.tokensSaved += entry.tokenEstimate
		return fmt.Sprintf("[See %s %q sent earlier in conversation]", kind, name), nil
	}

	s.sent[key] = sentEntry{kind: kind, name: name, sentAt: time.Now(), tokenEstimate: tokenEstimate}

	raw, err := canonicalJSONString(content)
	if err != nil {
		return "", err
	}
	return raw, nil
}

// prune evicts every entry older than the recall window. Must be called
// with s.mu held.
func (s *SessionContext) prune() {
	cutoff := time.Now().Add(-s.recallWindow)
	for k, e := range s.sent {
		if e.sentAt.Before(cutoff) {
			delete(s.sent, k)
		}
	}
}

// Stats returns the running duplicate-avoidance counters.
func (s *SessionContext) Stats() (duplicatesAvoided, tokensSaved int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicatesAvoided, s.tokensSaved
}

// canonicalJSON stringifies v with its top-level keys sorted, matching the
// "sufficient but not fully canonical" form spec.md §9 documents: robust to
// identical encoders, not to independently re-ordered nested objects.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		// Not a top-level object (array, scalar): marshal as-is.
		return raw, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, m[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func canonicalJSONString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}
