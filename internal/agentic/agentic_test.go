package agentic

import (
	"reflect"
	"testing"
)

func TestIsIterative(t *testing.T) {
	if !IsIterative("please do this step by step") {
		t.Fatal("expected iterative trigger to match")
	}
	if IsIterative("just do it") {
		t.Fatal("expected no iterative trigger")
	}
}

func TestParsePlanJSON(t *testing.T) {
	got := ParsePlan("```json\n[\"step one\", \"step two\"]\n```")
	want := []string{"step one", "step two"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParsePlanLineFallback(t *testing.T) {
	raw := "1. Search for the repo\n- Summarize results\nI cannot generate that image\n"
	got := ParsePlan(raw)
	want := []string{"Search for the repo", "Summarize results"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestIsAnswerAndIsDone(t *testing.T) {
	if !IsAnswer([]string{"ANSWER"}) {
		t.Fatal("expected ANSWER to be recognized")
	}
	if !IsDone(nil) || !IsDone([]string{"DONE"}) || !IsDone([]string{"FINISH"}) {
		t.Fatal("expected empty/DONE/FINISH to be recognized as done")
	}
	if IsDone([]string{"do something"}) {
		t.Fatal("expected a real step not to be treated as done")
	}
}

func TestExtractToolCallsJSON(t *testing.T) {
	raw := `{"tools":[{"name":"search","arguments":{"q":"go"}}]}`
	calls, _, terminated := ExtractToolCalls(raw)
	if terminated {
		t.Fatal("did not expect termination")
	}
	if len(calls) != 1 || calls[0].Name != "search" {
		t.Fatalf("got %+v", calls)
	}
}

func TestExtractToolCallsTextPattern(t *testing.T) {
	raw := `Let me check. TOOL[search](q=golang, limit=5)`
	calls, _, terminated := ExtractToolCalls(raw)
	if terminated {
		t.Fatal("did not expect termination")
	}
	if len(calls) != 1 || calls[0].Name != "search" || calls[0].Arguments["q"] != "golang" {
		t.Fatalf("got %+v", calls)
	}
}

func TestExtractToolCallsReplyTerminates(t *testing.T) {
	_, reply, terminated := ExtractToolCalls(`{"reply":"all done"}`)
	if !terminated || reply != "all done" {
		t.Fatalf("expected termination with reply 'all done', got terminated=%v reply=%q", terminated, reply)
	}
}

func TestResolveToolExactThenFuzzy(t *testing.T) {
	tools := []Tool{
		{Name: "generate_image", Kind: ToolKindImage},
		{Name: "Search_Web", Kind: ToolKindModel},
	}

	if tool, _, found := ResolveTool(tools, "generate_image"); !found || tool.Name != "generate_image" {
		t.Fatal("expected exact match")
	}
	if tool, _, found := ResolveTool(tools, "search_web"); !found || tool.Name != "Search_Web" {
		t.Fatal("expected case-insensitive match")
	}
	if tool, _, found := ResolveTool(tools, "image_gen"); !found || tool.Kind != ToolKindImage {
		t.Fatal("expected image-keyword fallback to match generate_image")
	}
}

func TestApplyMCPArgumentHeuristic(t *testing.T) {
	tool := &Tool{Schema: map[string]any{
		"properties": map[string]any{"owner": map[string]any{}, "repo": map[string]any{}},
	}}
	got := ApplyMCPArgumentHeuristic(tool, map[string]any{"input": "golang/go"})
	want := map[string]any{"owner": "golang", "repo": "go"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// Non-matching input is left untouched.
	unchanged := map[string]any{"input": "not-a-repo-path"}
	got2 := ApplyMCPArgumentHeuristic(tool, unchanged)
	if !reflect.DeepEqual(got2, unchanged) {
		t.Fatalf("expected unchanged args, got %v", got2)
	}
}

func TestSTMBoundedFIFOEviction(t *testing.T) {
	stm := NewSTM(2)
	stm.Record("step1", "result1", false)
	stm.Record("step2", "result2", false)
	stm.Record("step3", "result3", false)

	results := stm.Results()
	if len(results) != 2 || results[0] != "result2" || results[1] != "result3" {
		t.Fatalf("expected FIFO eviction leaving [result2 result3], got %v", results)
	}
}

func TestParseVerification(t *testing.T) {
	v := ParseVerification("VERIFIED: looks correct")
	if !v.Verified {
		t.Fatal("expected verified")
	}
	f := ParseVerification("FAILED: missing data")
	if f.Verified {
		t.Fatal("expected failed")
	}
}

func TestAppendMissingImages(t *testing.T) {
	answer := "Here is your result: ![cat](https://example.com/a.png)"
	memory := []string{
		"![cat](https://example.com/a.png)",
		"![dog](https://example.com/b.png)",
	}
	got := appendMissingImages(answer, memory)
	if got == answer {
		t.Fatal("expected the missing image to be appended")
	}
	count := 0
	for _, m := range markdownImagePattern.FindAllStringSubmatch(got, -1) {
		_ = m
		count++
	}
	if count != 2 {
		t.Fatalf("expected exactly 2 distinct images in final output, got %d", count)
	}
}

func TestFallbackMediaPlan(t *testing.T) {
	tools := []Tool{{Name: "generate_image", Kind: ToolKindImage}}
	plan := fallbackMediaPlan("a cat in space", tools)
	if len(plan) != 2 || plan[1] != "Synthesize" {
		t.Fatalf("expected 2-step fallback plan ending in Synthesize, got %v", plan)
	}
}
