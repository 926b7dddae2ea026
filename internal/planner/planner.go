// Package planner scans a sandboxed code snippet textually, before
// execution, for patterns that tend to waste backend calls or tokens, and
// emits advisory suggestions. It never parses an AST and it never modifies
// the snippet; a suggestion is a hint for whoever reads the execution
// result, not a gate on whether the code runs.
//
// There is no teacher implementation of this analysis; the pattern set
// below follows spec.md's own description of the checks (duplicate-key
// detection, sequential-await grouping, SELECT-shape hints, N+1 detection)
// rather than any example repo, since nothing in the retrieved pack performs
// static analysis over executable snippets.
package planner

import (
	"regexp"
	"strings"
)

// Kind classifies the nature of a suggestion.
type Kind string

// Suggestion kinds.
const (
	KindRedundant Kind = "redundant"
	KindParallel  Kind = "parallel"
	KindFilter    Kind = "filter"
	KindBatch     Kind = "batch"
	KindCache     Kind = "cache"
	KindOrder     Kind = "order"
)

// Severity ranks how strongly a suggestion should be surfaced.
type Severity string

// Suggestion severities.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Suggestion is one advisory finding from scanning a snippet.
type Suggestion struct {
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

var (
	awaitCallPattern  = regexp.MustCompile(`await\s+([A-Za-z_$][\w$]*)\s*\(([^()]*)\)`)
	forLoopPattern    = regexp.MustCompile(`\bfor\s*\(`)
	selectStarPattern = regexp.MustCompile(`(?i)select\s+\*`)
	limitPattern      = regexp.MustCompile(`(?i)\blimit\b`)
	queryCallPattern  = regexp.MustCompile(`\.query\s*\(`)
)

// Analyze scans code and returns every suggestion that fired, grouped by
// check in this order: redundant, parallel, the query-shape checks, then
// N+1 batching. The order among several redundant suggestions is not
// defined. An empty
// result means nothing in the snippet matched a known pattern — not a
// guarantee the snippet is efficient, since the analysis is best-effort.
func Analyze(code string) []Suggestion {
	var out []Suggestion
	out = append(out, duplicateCallSuggestions(code)...)
	out = append(out, sequentialAwaitSuggestions(code)...)
	out = append(out, queryShapeSuggestions(code)...)
	out = append(out, nPlusOneSuggestions(code)...)
	return out
}

// duplicateCallSuggestions flags `tool(args)` calls repeated verbatim
// elsewhere in the snippet — the cheapest case of a redundant backend round
// trip, since the second call can only return what the first one already
// fetched.
func duplicateCallSuggestions(code string) []Suggestion {
	seen := map[string]int{}
	for _, m := range awaitCallPattern.FindAllStringSubmatch(code, -1) {
		key := m[1] + ":" + normalizeArgs(m[2])
		seen[key]++
	}
	var out []Suggestion
	for key, count := range seen {
		if count < 2 {
			continue
		}
		name := key[:strings.IndexByte(key, ':')]
		out = append(out, Suggestion{
			Kind:     KindRedundant,
			Severity: SeverityWarning,
			Message:  "tool \"" + name + "\" is called more than once with identical arguments; cache the first result in a variable instead",
		})
	}
	return out
}

// sequentialAwaitSuggestions flags snippets that await two or more distinct
// tools one after another with no apparent data dependency between them —
// a candidate for Promise.all instead of a serial chain.
func sequentialAwaitSuggestions(code string) []Suggestion {
	matches := awaitCallPattern.FindAllStringSubmatch(code, -1)
	distinct := map[string]bool{}
	for _, m := range matches {
		distinct[m[1]] = true
	}
	if len(matches) >= 2 && len(distinct) >= 2 {
		return []Suggestion{{
			Kind:     KindParallel,
			Severity: SeverityInfo,
			Message:  "multiple independent tool calls are awaited sequentially; consider Promise.all to run them concurrently",
		}}
	}
	return nil
}

// queryShapeSuggestions looks for textual SQL-like fragments embedded in
// tool arguments that hint at an overly broad query: SELECT * pulls every
// column, and a SELECT with no LIMIT pulls every row.
func queryShapeSuggestions(code string) []Suggestion {
	var out []Suggestion
	if selectStarPattern.MatchString(code) {
		out = append(out, Suggestion{
			Kind:     KindFilter,
			Severity: SeverityWarning,
			Message:  "query selects all columns (SELECT *); naming only the needed fields reduces result size and token cost",
		})
	}
	if selectStarPattern.MatchString(code) || strings.Contains(strings.ToLower(code), "select ") {
		if !limitPattern.MatchString(code) {
			out = append(out, Suggestion{
				Kind:     KindOrder,
				Severity: SeverityInfo,
				Message:  "query has no LIMIT; an unbounded result set can return an unpredictable amount of data",
			})
		}
	}
	return out
}

// nPlusOneSuggestions flags a `.query(` call that is awaited from inside a
// `for (...)` loop, the textbook N+1 shape: one query per loop iteration
// where a single batched query would do.
func nPlusOneSuggestions(code string) []Suggestion {
	lines := strings.Split(code, "\n")
	depth := 0
	inLoop := false
	for _, line := range lines {
		if forLoopPattern.MatchString(line) {
			inLoop = true
			depth = 0
		}
		if inLoop {
			depth += strings.Count(line, "{") - strings.Count(line, "}")
			if strings.Contains(line, "await") && queryCallPattern.MatchString(line) {
				return []Suggestion{{
					Kind:     KindBatch,
					Severity: SeverityWarning,
					Message:  "a query is awaited inside a loop (N+1 pattern); batch it into a single call outside the loop",
				}}
			}
			if depth <= 0 && !forLoopPattern.MatchString(line) {
				inLoop = false
			}
		}
	}
	return nil
}

// normalizeArgs collapses whitespace so `{a: 1}` and `{ a: 1 }` are
// recognized as the same call, without attempting real argument parsing.
func normalizeArgs(args string) string {
	return strings.Join(strings.Fields(args), " ")
}
