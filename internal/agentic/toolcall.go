package agentic

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolInvocation is one parsed tool call, before resolution against the
// available tool set.
type ToolInvocation struct {
	Name      string
	Arguments map[string]any
}

// jsonToolCallsPattern recognizes the preferred {tools:[{name,arguments}]}
// encoding; textToolCallPattern recognizes the TOOL[name](args) fallback
// (spec.md §4.3 step 4c).
var textToolCallPattern = regexp.MustCompile(`TOOL\[([^\]]+)\]\(([^)]*)\)`)

// replyPattern detects the sub-loop termination form {reply:"…"}.
type replyForm struct {
	Reply string `json:"reply"`
}

// ExtractToolCalls parses a planner response for tool invocations,
// preferring the JSON encoding and falling back to the text pattern.
// Returns (nil, reply, true) if the response is a termination {reply:"…"}.
func ExtractToolCalls(raw string) (calls []ToolInvocation, reply string, terminated bool) {
	trimmed := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(trimmed); m != nil {
		trimmed = strings.TrimSpace(m[1])
	}

	var rf replyForm
	if err := json.Unmarshal([]byte(trimmed), &rf); err == nil && rf.Reply != "" {
		return nil, rf.Reply, true
	}

	var jsonForm struct {
		Tools []struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"tools"`
	}
	if err := json.Unmarshal([]byte(trimmed), &jsonForm); err == nil && len(jsonForm.Tools) > 0 {
		for _, t := range jsonForm.Tools {
			calls = append(calls, ToolInvocation{Name: t.Name, Arguments: t.Arguments})
		}
		return calls, "", false
	}

	for _, m := range textToolCallPattern.FindAllStringSubmatch(raw, -1) {
		calls = append(calls, ToolInvocation{Name: strings.TrimSpace(m[1]), Arguments: parseTextArgs(m[2])})
	}
	return calls, "", false
}

// parseTextArgs parses a TOOL[name](k=v, k2=v2) argument list into a map.
// Values are kept as strings; callers needing typed values should prefer
// the JSON tool-call encoding.
func parseTextArgs(raw string) map[string]any {
	args := map[string]any{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return args
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		val = strings.Trim(val, `"'`)
		args[key] = val
	}
	return args
}

// ResolveTool implements the matching precedence from spec.md §4.3 step
// 4c: exact name, case-insensitive, underscore-insensitive, then
// containment. Zero matches with an image-ish keyword falls back to any
// available image tool. Returns (tool, ambiguous, found).
func ResolveTool(tools []Tool, name string) (tool *Tool, ambiguous bool, found bool) {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i], false, true
		}
	}

	lowerName := strings.ToLower(name)
	var ciMatches []*Tool
	for i := range tools {
		if strings.ToLower(tools[i].Name) == lowerName {
			ciMatches = append(ciMatches, &tools[i])
		}
	}
	if len(ciMatches) == 1 {
		return ciMatches[0], false, true
	}
	if len(ciMatches) > 1 {
		return nil, true, true
	}

	normalized := normalizeUnderscore(name)
	var usMatches []*Tool
	for i := range tools {
		if normalizeUnderscore(tools[i].Name) == normalized {
			usMatches = append(usMatches, &tools[i])
		}
	}
	if len(usMatches) == 1 {
		return usMatches[0], false, true
	}
	if len(usMatches) > 1 {
		return nil, true, true
	}

	var containMatches []*Tool
	for i := range tools {
		if strings.Contains(strings.ToLower(tools[i].Name), lowerName) || strings.Contains(lowerName, strings.ToLower(tools[i].Name)) {
			containMatches = append(containMatches, &tools[i])
		}
	}
	if len(containMatches) == 1 {
		return containMatches[0], false, true
	}
	if len(containMatches) > 1 {
		return nil, true, true
	}

	if isImageKeyword(lowerName) {
		for i := range tools {
			if tools[i].Kind == ToolKindImage {
				return &tools[i], false, true
			}
		}
	}

	return nil, false, false
}

func normalizeUnderscore(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

func isImageKeyword(s string) bool {
	for _, kw := range []string{"image", "gen", "draw"} {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// ownerRepoPattern matches a bare "owner/repo" style single input.
var ownerRepoPattern = regexp.MustCompile(`^[^/]+/[^/]+$`)

// ApplyMCPArgumentHeuristic applies spec.md §4.3 step 4c's MCP argument
// heuristic: if a tool's schema declares owner+repo properties but the
// call supplies only "input" matching "owner/repo", split it.
func ApplyMCPArgumentHeuristic(t *Tool, args map[string]any) map[string]any {
	if t.Schema == nil {
		return args
	}
	props, _ := t.Schema["properties"].(map[string]any)
	if props == nil {
		return args
	}
	_, hasOwner := props["owner"]
	_, hasRepo := props["repo"]
	if !hasOwner || !hasRepo {
		return args
	}

	input, ok := args["input"].(string)
	if !ok || len(args) != 1 {
		return args
	}
	if !ownerRepoPattern.MatchString(input) {
		return args
	}

	parts := strings.SplitN(input, "/", 2)
	return map[string]any{"owner": parts[0], "repo": parts[1]}
}
