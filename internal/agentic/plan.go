package agentic

import (
	"encoding/json"
	"regexp"
	"strings"
)

// iterativeTriggers mark the user query as wanting per-step visibility
// (spec.md §4.3 step 2).
var iterativeTriggers = []string{"step by step", "one step at a time", "progressively"}

// IsIterative reports whether query should run in iterative mode.
func IsIterative(query string) bool {
	lower := strings.ToLower(query)
	for _, trigger := range iterativeTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

// refusalPatterns identify planner lines that are refusals rather than
// plan steps, dropped during line-fallback parsing (spec.md §4.3 step 4b).
var refusalPatterns = []string{"cannot generate", "don't have the ability", "do not have the ability"}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ParsePlan extracts the plan array from a planner response: JSON first
// (after stripping a triple-backtick fence), falling back to line
// parsing that strips leading "1. "/"- " markers and drops refusal-shaped
// lines (spec.md §4.3 step 4b).
func ParsePlan(raw string) []string {
	candidate := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}

	var steps []string
	if err := json.Unmarshal([]byte(candidate), &steps); err == nil {
		return steps
	}

	return parsePlanLines(raw)
}

var leadingMarker = regexp.MustCompile(`^(\d+\.\s*|-\s*)`)

func parsePlanLines(raw string) []string {
	var steps []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = leadingMarker.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)
		if line == "" || isRefusal(line) {
			continue
		}
		steps = append(steps, line)
	}
	return steps
}

func isRefusal(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range refusalPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsAnswer reports whether a plan is the reserved fast-path form ["ANSWER"].
func IsAnswer(plan []string) bool {
	return len(plan) == 1 && strings.EqualFold(strings.TrimSpace(plan[0]), "ANSWER")
}

// IsDone reports whether a plan is a reserved completion marker: empty,
// ["DONE"], or ["FINISH"].
func IsDone(plan []string) bool {
	if len(plan) == 0 {
		return true
	}
	if len(plan) == 1 {
		v := strings.ToUpper(strings.TrimSpace(plan[0]))
		return v == "DONE" || v == "FINISH"
	}
	return false
}

// ParseConstraints extracts the JSON array of constraint strings the
// planner returns for constraint extraction (spec.md §4.3 step 3). Falls
// back to line parsing with the same rules as ParsePlan if the response
// isn't valid JSON.
func ParseConstraints(raw string) []string {
	return ParsePlan(raw)
}
