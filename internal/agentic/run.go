package agentic

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/executor"
	"github.com/rakunlabs/mawi-gateway/internal/mcpclient"
	"github.com/rakunlabs/mawi-gateway/internal/provider"
)

// maxIterations is the hard cap on main-loop iterations (spec.md §4.3
// step 4: "hard cap 10 iterations").
const maxIterations = 10

// wallBudget is the total wall-clock budget for one agentic run.
const wallBudget = 5 * time.Minute

// subLoopMaxSteps bounds the ReAct sub-loop run per plan step.
const subLoopMaxSteps = 6

// ModelCaller dispatches one chat call to a specific model, handling
// breaker/health/credential/log/quota bookkeeping — satisfied by
// internal/executor.Executor.CallModel.
type ModelCaller interface {
	CallModel(ctx context.Context, req executor.Request, model domain.Model) (*provider.ChatResponse, error)
}

// ToolInvoker dispatches a resolved Tool call to its backing model/
// service/MCP server and returns its textual result.
type ToolInvoker interface {
	Invoke(ctx context.Context, t Tool, args map[string]any) (string, error)
}

// Runner executes one AGENTIC service's plan-verify-act loop.
type Runner struct {
	store   Store
	mcp     *mcpclient.Manager
	caller  ModelCaller
	invoker ToolInvoker
	events  chan<- Event
}

// NewRunner builds a Runner. events receives every emitted Event; the
// caller owns closing it once Run returns.
func NewRunner(store Store, mcp *mcpclient.Manager, caller ModelCaller, invoker ToolInvoker, events chan<- Event) *Runner {
	return &Runner{store: store, mcp: mcp, caller: caller, invoker: invoker, events: events}
}

// Run executes the full lifecycle (spec.md §4.3) for one query against
// serviceName, returning the final synthesized answer.
func (r *Runner) Run(ctx context.Context, correlationID, userID, serviceName, query string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, wallBudget)
	defer cancel()

	service, err := r.store.GetServiceByName(ctx, serviceName)
	if err != nil || service == nil {
		return "", fmt.Errorf("agentic: load service %s: %w", serviceName, err)
	}

	planner, err := r.store.GetModelByID(ctx, service.PlannerModelID)
	if err != nil || planner == nil {
		return "", fmt.Errorf("agentic: load planner model: %w", err)
	}

	tools, err := AssembleTools(ctx, r.store, r.mcp, *service)
	if err != nil {
		return "", err
	}

	maxIter := service.MaxIterations
	if maxIter <= 0 || maxIter > maxIterations {
		maxIter = maxIterations
	}

	iterative := IsIterative(query)
	memory := NewSTM(10)

	constraints, err := r.extractConstraints(ctx, correlationID, userID, *planner, service.SystemPrompt, query)
	if err != nil {
		r.emit(Event{Type: EventLog, Message: "constraint extraction failed: " + err.Error()})
	}

	var executedSteps []string

	for iter := 0; iter < maxIter; iter++ {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("agentic: wall budget exceeded")
		default:
		}

		plan, err := r.plan(ctx, correlationID, userID, *planner, service.SystemPrompt, query, tools, memory, executedSteps)
		if err != nil {
			return "", fmt.Errorf("agentic: plan: %w", err)
		}

		if IsAnswer(plan) {
			answer, err := r.directAnswer(ctx, correlationID, userID, *planner, service.SystemPrompt, query)
			if err != nil {
				return "", err
			}
			r.emit(Event{Type: EventChunk, Content: answer})
			return answer, nil
		}
		if IsDone(plan) {
			break
		}

		if len(plan) == 0 {
			plan = fallbackMediaPlan(query, tools)
		}

		for _, step := range plan {
			r.emit(Event{Type: EventStepStart, Step: step})
			result, failed := r.executeStep(ctx, correlationID, userID, *planner, service.SystemPrompt, step, tools, memory, constraints)
			memory.Record(step, result, failed)
			executedSteps = append(executedSteps, step)
			if iterative {
				r.emit(Event{Type: EventChunk, Content: result})
			}
		}

		if !iterative {
			break // non-iterative: exit after the first plan completes (step 4d)
		}
	}

	return r.synthesize(ctx, correlationID, userID, *planner, service.SystemPrompt, query, executedSteps, memory)
}

// extractConstraints implements spec.md §4.3 step 3.
func (r *Runner) extractConstraints(ctx context.Context, correlationID, userID string, planner domain.Model, systemPrompt, query string) ([]string, error) {
	prompt := []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "List every explicit and implicit constraint in this request as a JSON array of strings, nothing else:\n\n" + query},
	}
	resp, err := r.caller.CallModel(ctx, toExecReq(correlationID, userID, prompt), planner)
	if err != nil {
		return nil, err
	}
	return ParseConstraints(resp.Content), nil
}

// plan implements spec.md §4.3 step 4a/4b.
func (r *Runner) plan(ctx context.Context, correlationID, userID string, planner domain.Model, systemPrompt, query string, tools []Tool, memory *STM, executed []string) ([]string, error) {
	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	sb.WriteString(DescribeTools(tools))
	sb.WriteString("\nShort-term memory:\n")
	sb.WriteString(memory.Context())
	sb.WriteString("\nOriginal request: " + query)
	if len(executed) > 0 {
		sb.WriteString("\nSteps already executed: " + strings.Join(executed, "; "))
	}
	sb.WriteString("\n\nRespond with a JSON array of strings: the plan (or a single next step). Use [\"ANSWER\"] if you can answer directly with no tools, or [] / [\"DONE\"] if finished.")

	messages := []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
	resp, err := r.caller.CallModel(ctx, toExecReq(correlationID, userID, messages), planner)
	if err != nil {
		return nil, err
	}
	return ParsePlan(resp.Content), nil
}

// directAnswer streams the planner's direct answer for the ["ANSWER"] fast path.
func (r *Runner) directAnswer(ctx context.Context, correlationID, userID string, planner domain.Model, systemPrompt, query string) (string, error) {
	messages := []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: query},
	}
	resp, err := r.caller.CallModel(ctx, toExecReq(correlationID, userID, messages), planner)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// executeStep runs the ReAct sub-loop for one plan step (spec.md §4.3
// step 4c) then verifies the result.
func (r *Runner) executeStep(ctx context.Context, correlationID, userID string, planner domain.Model, systemPrompt, step string, tools []Tool, memory *STM, constraints []string) (result string, failed bool) {
	generatedImages := map[string]string{} // url -> prior result text, for duplicate-media suppression

	runSubLoop := func() (string, error) {
		messages := []provider.Message{
			{Role: "system", Content: systemPrompt + "\n\n" + memory.Context()},
			{Role: "user", Content: step},
		}

		for i := 0; i < subLoopMaxSteps; i++ {
			resp, err := r.caller.CallModel(ctx, toExecReq(correlationID, userID, messages), planner)
			if err != nil {
				return "", err
			}

			calls, reply, terminated := ExtractToolCalls(resp.Content)
			if terminated {
				return reply, nil
			}
			if len(calls) == 0 {
				return resp.Content, nil
			}

			messages = append(messages, provider.Message{Role: "assistant", Content: resp.Content})

			for _, call := range calls {
				text, err := r.dispatchToolCall(ctx, call, tools, generatedImages)
				if err != nil {
					text = "error: " + err.Error()
				}
				messages = append(messages, provider.Message{Role: "user", Content: fmt.Sprintf("tool %s result: %s", call.Name, text)})
			}
		}
		return "", fmt.Errorf("sub-loop exceeded %d steps", subLoopMaxSteps)
	}

	text, err := runSubLoop()
	if err != nil {
		return "step failed: " + err.Error(), true
	}

	verdict, finalText, err := VerifyWithRetry(ctx, step, text, constraints,
		func(ctx context.Context, step, result string, constraints []string) (VerifyResult, error) {
			return r.verify(ctx, correlationID, userID, planner, systemPrompt, step, result, constraints)
		},
		func(ctx context.Context) (string, error) { return runSubLoop() },
	)
	if err != nil {
		return finalText, true
	}
	if !verdict.Verified {
		return finalText + " (verification: " + verdict.Reason + ")", true
	}
	return finalText, false
}

// dispatchToolCall resolves and invokes one tool call, applying the MCP
// argument heuristic and duplicate-media suppression.
func (r *Runner) dispatchToolCall(ctx context.Context, call ToolInvocation, tools []Tool, generatedImages map[string]string) (string, error) {
	tool, ambiguous, found := ResolveTool(tools, call.Name)
	if ambiguous {
		return "ambiguous tool name '" + call.Name + "'; please disambiguate", nil
	}
	if !found {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	args := call.Arguments
	if tool.Kind == ToolKindMCP {
		args = ApplyMCPArgumentHeuristic(tool, args)
	}

	if tool.Kind == ToolKindImage {
		if url, ok := args["url"].(string); ok {
			if prior, ok := generatedImages[url]; ok {
				return prior, nil
			}
		}
	}

	r.emit(Event{Type: EventToolStart, Tool: tool.Name})
	text, err := r.invoker.Invoke(ctx, *tool, args)
	r.emit(Event{Type: EventToolEnd, Tool: tool.Name})
	if err != nil {
		return "", err
	}

	if tool.Kind == ToolKindImage {
		for _, url := range extractMarkdownImageURLs(text) {
			generatedImages[url] = text
		}
	}

	return text, nil
}

func (r *Runner) verify(ctx context.Context, correlationID, userID string, planner domain.Model, systemPrompt, step, result string, constraints []string) (VerifyResult, error) {
	prompt := fmt.Sprintf(
		"Verify whether this step's result satisfies the constraints below. Any markdown image or video link satisfies visual constraints (you cannot see). Respond with exactly \"VERIFIED: <reason>\" or \"FAILED: <reason>\".\n\nStep: %s\nResult: %s\nConstraints: %s",
		step, result, strings.Join(constraints, "; "),
	)
	messages := []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
	resp, err := r.caller.CallModel(ctx, toExecReq(correlationID, userID, messages), planner)
	if err != nil {
		return VerifyResult{}, err
	}
	return ParseVerification(resp.Content), nil
}

// synthesize implements spec.md §4.3 step 5.
func (r *Runner) synthesize(ctx context.Context, correlationID, userID string, planner domain.Model, systemPrompt, query string, executedSteps []string, memory *STM) (string, error) {
	prompt := fmt.Sprintf(
		"Produce a natural-language final answer to the original request, given the executed plan and memory. Do not apologize for media generation steps — the tools already performed them. Preserve any markdown image links verbatim.\n\nOriginal request: %s\nExecuted steps: %s\nMemory:\n%s",
		query, strings.Join(executedSteps, "; "), memory.Context(),
	)
	messages := []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
	resp, err := r.caller.CallModel(ctx, toExecReq(correlationID, userID, messages), planner)
	if err != nil {
		return "", err
	}

	return appendMissingImages(resp.Content, memory.Results()), nil
}

func (r *Runner) emit(e Event) {
	if r.events == nil {
		return
	}
	select {
	case r.events <- e:
	default:
	}
}

func toExecReq(correlationID, userID string, messages []provider.Message) executor.Request {
	return executor.Request{CorrelationID: correlationID, UserID: userID, Messages: messages}
}

// fallbackMediaPlan is the recovery plan spec.md §4.3's failure modes
// name for an empty plan on a media query: invoke the first image tool
// with the original prompt, then synthesize.
func fallbackMediaPlan(query string, tools []Tool) []string {
	for _, t := range tools {
		if t.Kind == ToolKindImage {
			return []string{fmt.Sprintf("TOOL[%s](%s)", t.Name, query), "Synthesize"}
		}
	}
	return nil
}

// markdownImagePattern matches ![alt](url) markdown image syntax.
var markdownImagePattern = regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`)

func extractMarkdownImageURLs(text string) []string {
	var urls []string
	for _, m := range markdownImagePattern.FindAllStringSubmatch(text, -1) {
		urls = append(urls, m[1])
	}
	return urls
}

// appendMissingImages scans memory results for every markdown image,
// dedupes by URL, and appends any missing from the synthesized answer
// (spec.md §4.3 step 5).
func appendMissingImages(answer string, memoryResults []string) string {
	present := map[string]bool{}
	for _, url := range extractMarkdownImageURLs(answer) {
		present[url] = true
	}

	seen := map[string]bool{}
	var missing []string
	for _, result := range memoryResults {
		for _, url := range extractMarkdownImageURLs(result) {
			if present[url] || seen[url] {
				continue
			}
			seen[url] = true
			missing = append(missing, url)
		}
	}

	if len(missing) == 0 {
		return answer
	}

	var sb strings.Builder
	sb.WriteString(answer)
	for _, url := range missing {
		sb.WriteString("\n\n![image](" + url + ")")
	}
	return sb.String()
}
