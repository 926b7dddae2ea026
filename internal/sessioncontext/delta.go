package sessioncontext

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// deltaEntry is one DeltaCache slot, per spec.md §4.6: the last-delivered
// payload, its content digest, an access count (for LRU-by-access-count
// eviction), and a timestamp (for age-based eviction).
type deltaEntry struct {
	payload     any
	digest      string
	accessCount int
	timestamp   time.Time
}

// DeltaCache holds the last-delivered payload per key, bounded by size and
// age, per spec.md §4.6.
type DeltaCache struct {
	mu      sync.Mutex
	maxSize int
	maxAge  time.Duration
	entries map[string]*deltaEntry
}

// NewDeltaCache constructs a cache that evicts its least-accessed entry once
// more than maxSize keys are held, and treats any entry older than maxAge as
// absent.
func NewDeltaCache(maxSize int, maxAge time.Duration) *DeltaCache {
	return &DeltaCache{
		maxSize: maxSize,
		maxAge:  maxAge,
		entries: make(map[string]*deltaEntry),
	}
}

func (c *DeltaCache) get(key string) (*deltaEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.maxAge > 0 && time.Since(e.timestamp) > c.maxAge {
		delete(c.entries, key)
		return nil, false
	}
	e.accessCount++
	return e, true
}

func (c *DeltaCache) set(key string, payload any, digest string) {
	if existing, ok := c.entries[key]; ok {
		existing.payload = payload
		existing.digest = digest
		existing.timestamp = time.Now()
		existing.accessCount++
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictLeastAccessed()
	}
	c.entries[key] = &deltaEntry{payload: payload, digest: digest, accessCount: 1, timestamp: time.Now()}
}

func (c *DeltaCache) evictLeastAccessed() {
	var worstKey string
	worstCount := -1
	for k, e := range c.entries {
		if worstCount == -1 || e.accessCount < worstCount {
			worstKey = k
			worstCount = e.accessCount
		}
	}
	if worstKey != "" {
		delete(c.entries, worstKey)
	}
}

// DeltaResponseManager computes delta-encoded responses for repeated
// queries, emitting a delta only when it is meaningfully smaller than the
// full payload, per spec.md §4.6.
type DeltaResponseManager struct {
	cache *DeltaCache
}

// NewDeltaResponseManager constructs a manager backed by a DeltaCache sized
// maxSize with entries expiring after maxAge.
func NewDeltaResponseManager(maxSize int, maxAge time.Duration) *DeltaResponseManager {
	return &DeltaResponseManager{cache: NewDeltaCache(maxSize, maxAge)}
}

// DeltaKey builds the spec's "delta:toolName:normalizedArgs" cache key.
func DeltaKey(toolName, normalizedArgs string) string {
	return fmt.Sprintf("delta:%s:%s", toolName, normalizedArgs)
}

func hashOf(v any) (string, error) {
	canon, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func estimatedSize(v any) int {
	raw, err := canonicalJSON(v)
	if err != nil {
		return 0
	}
	return EstimateTokens(string(raw))
}

// GetDeltaForArray implements spec.md §4.6's array-delta algorithm: first
// observation returns the full payload; a hash-identical repeat returns a
// {"type":"full","previousHash":...} marker; otherwise a diff is computed
// (by idField when given, else positionally) and returned only if it is at
// least 20% smaller in estimated tokens than the full payload, else the full
// payload is returned instead.
func (m *DeltaResponseManager) GetDeltaForArray(key string, current []map[string]any, idField string) (any, error) {
	currentDigest, err := hashOf(current)
	if err != nil {
		return nil, err
	}

	m.cache.mu.Lock()
	prev, ok := m.cache.get(key)
	m.cache.mu.Unlock()

	if !ok {
		m.cache.mu.Lock()
		m.cache.set(key, current, currentDigest)
		m.cache.mu.Unlock()
		return map[string]any{"type": "full", "payload": current}, nil
	}

	if prev.digest == currentDigest {
		return map[string]any{"type": "full", "previousHash": prev.digest}, nil
	}

	prevArr, _ := prev.payload.([]map[string]any)
	var delta map[string]any
	if idField != "" {
		delta = diffArrayByID(prevArr, current, idField)
	} else {
		delta = diffArrayPositional(prevArr, current)
	}

	full := map[string]any{"type": "full", "payload": current}
	if estimatedSize(delta) <= int(0.8*float64(estimatedSize(full))) {
		m.cache.mu.Lock()
		m.cache.set(key, current, currentDigest)
		m.cache.mu.Unlock()
		return delta, nil
	}

	m.cache.mu.Lock()
	m.cache.set(key, current, currentDigest)
	m.cache.mu.Unlock()
	return full, nil
}

func diffArrayByID(prev, current []map[string]any, idField string) map[string]any {
	prevByID := make(map[any]map[string]any, len(prev))
	for _, item := range prev {
		prevByID[item[idField]] = item
	}
	currByID := make(map[any]map[string]any, len(current))
	// order is current's own element order by id, carried in the delta so
	// applyArrayDeltaByID can reconstruct next's position of every element
	// instead of reusing prev's order (P8: a pure reorder of identical-id,
	// identical-content elements must still round-trip to next's order, even
	// though added/removed/updated are all empty for it).
	order := make([]any, 0, len(current))
	for _, item := range current {
		id := item[idField]
		currByID[id] = item
		order = append(order, id)
	}

	var added []map[string]any
	var removed []any
	updated := make(map[string]any)

	for _, id := range order {
		if _, existed := prevByID[id]; !existed {
			added = append(added, currByID[id])
		}
	}
	for id := range prevByID {
		if _, stillPresent := currByID[id]; !stillPresent {
			removed = append(removed, id)
		}
	}
	for id, newItem := range currByID {
		if oldItem, existed := prevByID[id]; existed && hashEquivalent(oldItem, newItem) {
			continue
		} else if existed {
			updated[fmt.Sprintf("%v", id)] = newItem
		}
	}

	return map[string]any{
		"type":    "delta",
		"idField": idField,
		"added":   added,
		"removed": removed,
		"updated": updated,
		"order":   order,
	}
}

func diffArrayPositional(prev, current []map[string]any) map[string]any {
	overlap := len(prev)
	if len(current) < overlap {
		overlap = len(current)
	}

	updated := make(map[string]any)
	for i := 0; i < overlap; i++ {
		if !hashEquivalent(prev[i], current[i]) {
			updated[fmt.Sprintf("%d", i)] = current[i]
		}
	}

	var addedTail []map[string]any
	if len(current) > overlap {
		addedTail = current[overlap:]
	}
	var removedIndexes []int
	if len(prev) > overlap {
		for i := overlap; i < len(prev); i++ {
			removedIndexes = append(removedIndexes, i)
		}
	}

	return map[string]any{
		"type":           "delta",
		"addedTail":      addedTail,
		"removedIndexes": removedIndexes,
		"updated":        updated,
	}
}

func hashEquivalent(a, b map[string]any) bool {
	ha, errA := hashOf(a)
	hb, errB := hashOf(b)
	if errA != nil || errB != nil {
		return false
	}
	return ha == hb
}

// ObjectChange is one field's before/after value in a {"type":"update"}
// delta.
type ObjectChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// GetDeltaForObject is the record analogue of GetDeltaForArray: it diffs two
// flat objects field by field and emits a {"type":"update","changes":...}
// map, subject to the same 20%-smaller threshold.
func (m *DeltaResponseManager) GetDeltaForObject(key string, current map[string]any) (any, error) {
	currentDigest, err := hashOf(current)
	if err != nil {
		return nil, err
	}

	m.cache.mu.Lock()
	prev, ok := m.cache.get(key)
	m.cache.mu.Unlock()

	if !ok {
		m.cache.mu.Lock()
		m.cache.set(key, current, currentDigest)
		m.cache.mu.Unlock()
		return map[string]any{"type": "full", "payload": current}, nil
	}

	if prev.digest == currentDigest {
		return map[string]any{"type": "full", "previousHash": prev.digest}, nil
	}

	prevObj, _ := prev.payload.(map[string]any)
	changes := make(map[string]ObjectChange)
	for k, newVal := range current {
		oldVal, existed := prevObj[k]
		if !existed || !valuesEqual(oldVal, newVal) {
			changes[k] = ObjectChange{Old: oldVal, New: newVal}
		}
	}
	for k, oldVal := range prevObj {
		if _, stillPresent := current[k]; !stillPresent {
			changes[k] = ObjectChange{Old: oldVal, New: nil}
		}
	}

	delta := map[string]any{"type": "update", "changes": changes}
	full := map[string]any{"type": "full", "payload": current}

	m.cache.mu.Lock()
	m.cache.set(key, current, currentDigest)
	m.cache.mu.Unlock()

	if estimatedSize(delta) <= int(0.8*float64(estimatedSize(full))) {
		return delta, nil
	}
	return full, nil
}

func valuesEqual(a, b any) bool {
	ha, errA := hashOf(a)
	hb, errB := hashOf(b)
	if errA != nil || errB != nil {
		return false
	}
	return ha == hb
}

// ApplyDelta reconstructs the new full value from previous and a delta
// produced by GetDeltaForArray/GetDeltaForObject, the inverse required by
// spec.md property P8.
func ApplyDelta(previous any, delta map[string]any) (any, error) {
	switch delta["type"] {
	case "full":
		if payload, ok := delta["payload"]; ok {
			return payload, nil
		}
		// previousHash marker: unchanged from previous.
		return previous, nil
	case "update":
		prevObj, _ := previous.(map[string]any)
		result := make(map[string]any, len(prevObj))
		for k, v := range prevObj {
			result[k] = v
		}
		changes, _ := delta["changes"].(map[string]ObjectChange)
		for k, ch := range changes {
			if ch.New == nil {
				delete(result, k)
				continue
			}
			result[k] = ch.New
		}
		return result, nil
	case "delta":
		prevArr, _ := previous.([]map[string]any)
		if idField, ok := delta["idField"]; ok {
			return applyArrayDeltaByID(prevArr, delta, idField.(string)), nil
		}
		return applyArrayDeltaPositional(prevArr, delta), nil
	default:
		return nil, fmt.Errorf("sessioncontext: unknown delta type %v", delta["type"])
	}
}

func applyArrayDeltaByID(prev []map[string]any, delta map[string]any, idField string) []map[string]any {
	byID := make(map[any]map[string]any, len(prev))
	fallbackOrder := make([]any, 0, len(prev))
	for _, item := range prev {
		id := item[idField]
		byID[id] = item
		fallbackOrder = append(fallbackOrder, id)
	}

	removed, _ := delta["removed"].([]any)
	for _, id := range removed {
		delete(byID, id)
	}

	updated, _ := delta["updated"].(map[string]any)
	for idStr, newVal := range updated {
		item, _ := newVal.(map[string]any)
		for id := range byID {
			if fmt.Sprintf("%v", id) == idStr {
				byID[id] = item
			}
		}
	}

	added, _ := delta["added"].([]map[string]any)
	for _, item := range added {
		id := item[idField]
		if _, exists := byID[id]; !exists {
			fallbackOrder = append(fallbackOrder, id)
		}
		byID[id] = item
	}

	// order reflects next's actual element order, computed by diffArrayByID;
	// fall back to prev's order plus any appended ids only for deltas built
	// before "order" existed.
	order, ok := delta["order"].([]any)
	if !ok {
		order = fallbackOrder
	}

	out := make([]map[string]any, 0, len(byID))
	seen := make(map[any]bool)
	for _, id := range order {
		if item, ok := byID[id]; ok && !seen[id] {
			out = append(out, item)
			seen[id] = true
		}
	}
	return out
}

func applyArrayDeltaPositional(prev []map[string]any, delta map[string]any) []map[string]any {
	overlap := len(prev)
	removedIndexes, _ := delta["removedIndexes"].([]int)
	overlap -= len(removedIndexes)
	if overlap < 0 {
		overlap = 0
	}

	result := make([]map[string]any, overlap)
	copy(result, prev[:overlap])

	updated, _ := delta["updated"].(map[string]any)
	for idxStr, newVal := range updated {
		var idx int
		_, _ = fmt.Sscanf(idxStr, "%d", &idx)
		if idx >= 0 && idx < len(result) {
			result[idx] = newVal.(map[string]any)
		}
	}

	addedTail, _ := delta["addedTail"].([]map[string]any)
	result = append(result, addedTail...)
	return result
}
