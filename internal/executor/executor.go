// Package executor runs the per-attempt execution loop spec.md §4.2
// describes: given a router-ordered candidate list, it walks candidates in
// order until one succeeds, handling circuit breaking, context pruning,
// RTCROS injection, quota precheck, credential resolution, adapter
// dispatch, and the success/failure side effects (health, breaker, async
// log, async quota charge) around each attempt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/breaker"
	"github.com/rakunlabs/mawi-gateway/internal/crypto"
	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/gatewayerr"
	"github.com/rakunlabs/mawi-gateway/internal/health"
	"github.com/rakunlabs/mawi-gateway/internal/ingest"
	"github.com/rakunlabs/mawi-gateway/internal/provider"
	"github.com/rakunlabs/mawi-gateway/internal/router"
	"github.com/rakunlabs/mawi-gateway/internal/rtcros"
)

// charsPerToken is the heuristic spec.md §4.2 mandates for estimating
// token counts without calling a vendor tokenizer: 4 characters ≈ 1 token.
const charsPerToken = 4

// quotaEstimateFloorUSD is the minimum charge checkQuota guards against
// (spec.md §4.2 step 4: "refuse if available quota < max(0.01, estimate)"),
// so a request against a near-exhausted balance is refused even when the
// heuristic estimate itself rounds to near zero.
const quotaEstimateFloorUSD = 0.01

// CredentialStore resolves the Provider record (and its encrypted API key)
// a Model belongs to, and a Model's own credential override if one exists.
type CredentialStore interface {
	GetProviderByID(ctx context.Context, id string) (*domain.Provider, error)
}

// UserStore reads quota state used for the precheck in step 4.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	GetOrganizationByID(ctx context.Context, id string) (*domain.Organization, error)
}

// Executor wires together the router's candidate ordering with per-attempt
// dispatch, breaker/health bookkeeping, and the async ingest workers.
type Executor struct {
	router       *router.Router
	breaker      *breaker.Breaker
	health       *health.Tracker
	credentials  CredentialStore
	users        UserStore
	masterKey    []byte
	logger       *ingest.Logger
	quota        *ingest.QuotaCharger
	pricing      *provider.PricingTable
	adapterCache map[string]provider.Adapter
}

// New builds an Executor. adapterCache lets repeated attempts against the
// same model within one process reuse a constructed Adapter (and its
// pooled HTTP client) instead of paying connection setup per request.
func New(
	r *router.Router,
	b *breaker.Breaker,
	h *health.Tracker,
	credentials CredentialStore,
	users UserStore,
	masterKey []byte,
	logger *ingest.Logger,
	quota *ingest.QuotaCharger,
	pricing *provider.PricingTable,
) *Executor {
	return &Executor{
		router:       r,
		breaker:      b,
		health:       h,
		credentials:  credentials,
		users:        users,
		masterKey:    masterKey,
		logger:       logger,
		quota:        quota,
		pricing:      pricing,
		adapterCache: make(map[string]provider.Adapter),
	}
}

// Request is one inbound chat-completion call.
type Request struct {
	CorrelationID   string
	UserID          string
	ServiceName     string
	ModelOverride   string
	RoutingStrategy domain.Strategy
	Messages        []provider.Message
	Tools           []provider.Tool
	Temperature     *float64
	MaxTokens       *int
	TemplateData    any
}

// Result carries the attempt's outcome plus bookkeeping metadata the
// caller (internal/server) needs to shape an HTTP response.
type Result struct {
	Response      *provider.ChatResponse
	ModelID       string
	FailoverCount int
}

// estimateTokens applies the 4-chars-per-token heuristic across a message
// list's concatenated content.
func estimateTokens(messages []provider.Message) int {
	total := 0
	for _, m := range messages {
		if s, ok := m.Content.(string); ok {
			total += len(s)
		}
	}
	return total / charsPerToken
}

// pruneToWindow drops oldest non-system messages until the estimated
// token count fits contextWindow, per spec.md §4.2. The first message is
// kept unconditionally when it's a system prompt.
func pruneToWindow(messages []provider.Message, contextWindow int) []provider.Message {
	if contextWindow <= 0 {
		return messages
	}

	pruned := messages
	for len(pruned) > 1 && estimateTokens(pruned) > contextWindow {
		// Keep a leading system message in place; drop the oldest
		// non-system message instead of always removing index 0.
		dropAt := 0
		if pruned[0].Role == "system" {
			dropAt = 1
		}
		if dropAt >= len(pruned) {
			break
		}
		pruned = append(append([]provider.Message{}, pruned[:dropAt]...), pruned[dropAt+1:]...)
	}
	return pruned
}

// Run walks candidates in router order, attempting each until one
// succeeds or the list is exhausted.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	candidates, err := e.router.Resolve(ctx, req.ServiceName, req.ModelOverride, req.RoutingStrategy)
	if err != nil {
		return nil, err
	}

	if req.UserID != "" {
		if err := e.checkQuota(ctx, req.UserID, req.Messages, candidates[0].Model); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for i, cand := range candidates {
		resp, attemptErr := e.attempt(ctx, req, cand, i)
		if attemptErr == nil {
			return &Result{Response: resp, ModelID: cand.Model.ID, FailoverCount: i}, nil
		}
		lastErr = attemptErr
		slog.Warn("executor attempt failed, advancing to next candidate",
			"correlation_id", req.CorrelationID, "model_id", cand.Model.ID, "error", attemptErr)
	}

	if lastErr == nil {
		lastErr = gatewayerr.New(gatewayerr.InternalFailure, "no candidates available")
	}
	return nil, lastErr
}

// CallModel dispatches directly to one named model, bypassing router
// resolution — used by internal/agentic for planner/verifier calls, which
// target a fixed model id rather than a routed service. It goes through
// the same breaker/health/credential/log/quota bookkeeping as a routed
// attempt; req.Messages/Tools/Temperature/MaxTokens carry the call.
func (e *Executor) CallModel(ctx context.Context, req Request, model domain.Model) (*provider.ChatResponse, error) {
	cand := router.Candidate{Model: model}
	resp, err := e.attempt(ctx, req, cand, 0)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// StreamResult carries the stream handle plus bookkeeping metadata a caller
// needs once the stream is known to have started successfully.
type StreamResult struct {
	Chunks        <-chan provider.StreamChunk
	ModelID       string
	FailoverCount int
}

// RunStream is RunRequest's streaming counterpart (spec.md §4.2 "Streaming
// path"). Unlike Run, once a candidate's stream has started it is not
// retried mid-stream on a later chunk error — only a failure to open the
// stream itself advances to the next candidate, matching the teacher's own
// "first byte decides the model" streaming behavior.
func (e *Executor) RunStream(ctx context.Context, req Request) (*StreamResult, error) {
	candidates, err := e.router.Resolve(ctx, req.ServiceName, req.ModelOverride, req.RoutingStrategy)
	if err != nil {
		return nil, err
	}

	if req.UserID != "" {
		if err := e.checkQuota(ctx, req.UserID, req.Messages, candidates[0].Model); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for i, cand := range candidates {
		modelID := cand.Model.ID

		if !e.breaker.Allow(modelID) {
			lastErr = gatewayerr.New(gatewayerr.UpstreamTransient, fmt.Sprintf("circuit open for model %s", modelID))
			continue
		}

		messages := pruneToWindow(req.Messages, cand.Model.ContextWindow)
		if !cand.Assignment.RTCROS.IsEmpty() {
			prompt := rtcros.Build(cand.Assignment.RTCROS, req.TemplateData)
			if prompt != "" {
				messages = append([]provider.Message{{Role: "system", Content: prompt}}, messages...)
			}
		}

		adapter, err := e.resolveAdapter(ctx, cand.Model)
		if err != nil {
			e.recordFailure(modelID, err)
			lastErr = err
			continue
		}

		start := time.Now()
		raw, err := adapter.ChatStream(ctx, provider.ChatRequest{
			Model:       modelID,
			Messages:    messages,
			Tools:       req.Tools,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if err != nil {
			e.recordFailure(modelID, err)
			lastErr = classifyUpstreamErr(err)
			continue
		}

		out := make(chan provider.StreamChunk)
		go e.pumpStream(req, cand, i, start, raw, out)

		return &StreamResult{Chunks: out, ModelID: modelID, FailoverCount: i}, nil
	}

	if lastErr == nil {
		lastErr = gatewayerr.New(gatewayerr.InternalFailure, "no candidates available")
	}
	return nil, lastErr
}

// pumpStream relays raw's chunks to out, accumulating usage/content for the
// success/failure side effects (health, breaker, log, quota) that fire once
// the stream terminates, mirroring attempt's step 7/8 bookkeeping.
func (e *Executor) pumpStream(req Request, cand router.Candidate, position int, start time.Time, raw <-chan provider.StreamChunk, out chan<- provider.StreamChunk) {
	defer close(out)

	modelID := cand.Model.ID
	var usage provider.Usage
	var streamErr error

	for chunk := range raw {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		out <- chunk
	}

	elapsed := time.Since(start)

	if streamErr != nil {
		e.recordFailure(modelID, streamErr)
		e.enqueueLog(req, cand, position, elapsed, 0, 0, 0, streamErr)
		return
	}

	costUSD := e.costFor(cand.Model, usage)
	e.breaker.RecordSuccess(modelID)
	e.health.RecordSuccess(modelID, elapsed.Milliseconds())
	e.enqueueLog(req, cand, position, elapsed, usage.PromptTokens, usage.CompletionTokens, costUSD, nil)
	if req.UserID != "" && costUSD > 0 {
		e.quota.Enqueue(req.UserID, costUSD)
	}
}

// checkQuota refuses the request outright (step 4) when the user's
// available quota — personal headroom plus, if they belong to one, their
// organization's headroom — can't cover max(quotaEstimateFloorUSD, the
// heuristic cost estimate for model). Free-tier users bypass the check
// entirely.
func (e *Executor) checkQuota(ctx context.Context, userID string, messages []provider.Message, model domain.Model) error {
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.InternalFailure, "load user", err)
	}
	if user.IsFreeTier {
		return nil
	}
	if user.QuotaUSD <= 0 {
		return nil // unlimited
	}

	available := user.QuotaUSD - user.UsedUSD
	if available < 0 {
		available = 0
	}

	if user.OrganizationID.Valid && user.OrganizationID.Value != "" {
		org, err := e.users.GetOrganizationByID(ctx, user.OrganizationID.Value)
		if err != nil {
			return gatewayerr.Wrap(gatewayerr.InternalFailure, "load organization", err)
		}
		if org != nil {
			if org.QuotaUSD <= 0 {
				return nil // org itself is unlimited
			}
			if overflow := org.QuotaUSD - org.UsedUSD; overflow > 0 {
				available += overflow
			}
		}
	}

	estimated := e.costFor(model, provider.Usage{PromptTokens: estimateTokens(messages)})
	required := math.Max(quotaEstimateFloorUSD, estimated)

	if available < required {
		return gatewayerr.New(gatewayerr.QuotaExhausted, "quota exhausted")
	}
	return nil
}

// attempt performs one candidate's full step 1-8 loop.
func (e *Executor) attempt(ctx context.Context, req Request, cand router.Candidate, position int) (*provider.ChatResponse, error) {
	modelID := cand.Model.ID

	// 1. Circuit breaker.
	if !e.breaker.Allow(modelID) {
		return nil, gatewayerr.New(gatewayerr.UpstreamTransient, fmt.Sprintf("circuit open for model %s", modelID))
	}

	// 2. Context pruning.
	messages := pruneToWindow(req.Messages, cand.Model.ContextWindow)

	// 3. RTCROS injection.
	if !cand.Assignment.RTCROS.IsEmpty() {
		prompt := rtcros.Build(cand.Assignment.RTCROS, req.TemplateData)
		if prompt != "" {
			messages = append([]provider.Message{{Role: "system", Content: prompt}}, messages...)
		}
	}

	// 5. Credential resolution.
	adapter, err := e.resolveAdapter(ctx, cand.Model)
	if err != nil {
		e.recordFailure(modelID, err)
		return nil, err
	}

	// 6. Dispatch.
	start := time.Now()
	resp, err := adapter.Chat(ctx, provider.ChatRequest{
		Model:       modelID,
		Messages:    messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	elapsed := time.Since(start)

	if err != nil {
		e.recordFailure(modelID, err)
		e.enqueueLog(req, cand, position, elapsed, 0, 0, 0, err)
		return nil, classifyUpstreamErr(err)
	}

	// 7. Success side effects.
	costUSD := e.costFor(cand.Model, resp.Usage)
	e.breaker.RecordSuccess(modelID)
	e.health.RecordSuccess(modelID, elapsed.Milliseconds())
	e.enqueueLog(req, cand, position, elapsed, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, costUSD, nil)
	if req.UserID != "" && costUSD > 0 {
		e.quota.Enqueue(req.UserID, costUSD)
	}

	return resp, nil
}

// costFor prices a completed request's usage: a model-level cost override
// wins over the static pricing table, mirroring internal/router's
// least_cost precedence (see DESIGN.md).
func (e *Executor) costFor(model domain.Model, usage provider.Usage) float64 {
	if model.CostInputPer1KUSD != nil && model.CostOutputPer1KUSD != nil {
		inCost := (float64(usage.PromptTokens) / 1000) * (*model.CostInputPer1KUSD)
		outCost := (float64(usage.CompletionTokens) / 1000) * (*model.CostOutputPer1KUSD)
		return inCost + outCost
	}
	if e.pricing != nil {
		return e.pricing.CostUSD(model.ID, usage)
	}
	return 0
}

// recordFailure is the shared step-8 bookkeeping for both credential
// resolution failures and adapter dispatch failures.
func (e *Executor) recordFailure(modelID string, err error) {
	e.breaker.RecordFailure(modelID)
	e.health.RecordFailure(modelID, err.Error())
}

// ResolveAdapter exposes resolveAdapter for callers outside the per-
// attempt loop (internal/agentic's tool dispatch needs a model's Adapter
// directly for image/video/speech tool kinds, not just Chat).
func (e *Executor) ResolveAdapter(ctx context.Context, model domain.Model) (provider.Adapter, error) {
	return e.resolveAdapter(ctx, model)
}

// resolveAdapter looks up the owning Provider, decrypts whichever API key
// applies (model-level override wins over provider-level), and builds the
// Adapter, caching it by model ID.
func (e *Executor) resolveAdapter(ctx context.Context, model domain.Model) (provider.Adapter, error) {
	if a, ok := e.adapterCache[model.ID]; ok {
		return a, nil
	}

	prov, err := e.credentials.GetProviderByID(ctx, model.ProviderID)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.InternalFailure, "load provider", err)
	}

	encrypted := prov.EncryptedAPIKey
	if model.EncryptedAPIKeyOverride != "" {
		encrypted = model.EncryptedAPIKeyOverride
	}

	apiKey := ""
	if encrypted != "" {
		apiKey, err = crypto.Decrypt(encrypted, e.masterKey)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.InternalFailure, "decrypt credential", err)
		}
	}

	adapter, err := provider.NewForModel(*prov, model, apiKey)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.InternalFailure, "build adapter", err)
	}

	e.adapterCache[model.ID] = adapter
	return adapter, nil
}

// enqueueLog submits the attempt's RequestLog row to the async logger,
// never blocking the request path.
func (e *Executor) enqueueLog(req Request, cand router.Candidate, position int, elapsed time.Duration, inTok, outTok int, costUSD float64, attemptErr error) {
	status := "success"
	errMsg := ""
	if attemptErr != nil {
		status = "error"
		errMsg = gatewayerr.Sanitize(attemptErr.Error())
	}

	e.logger.Enqueue(domain.RequestLog{
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
		ServiceName:   req.ServiceName,
		ModelID:       cand.Model.ID,
		Status:        status,
		DurationUS:    elapsed.Microseconds(),
		InputTokens:   inTok,
		OutputTokens:  outTok,
		CostUSD:       costUSD,
		FailoverCount: position,
		Error:         errMsg,
	})
}

// classifyUpstreamErr maps a raw adapter error to the gateway taxonomy
// when the adapter didn't already return a classified *gatewayerr.Error.
func classifyUpstreamErr(err error) error {
	var gwErr *gatewayerr.Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	var unsupported *provider.Unsupported
	if errors.As(err, &unsupported) {
		return gatewayerr.Wrap(gatewayerr.CapabilityUnsupported, "capability unsupported", err)
	}
	return gatewayerr.Wrap(gatewayerr.UpstreamTransient, "upstream request failed", err)
}
