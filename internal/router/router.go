// Package router resolves a client-facing service name into an ordered
// list of candidate models to attempt (spec.md §4.2): primary first, then
// failover candidates, under one of six selection strategies.
//
// router only orders candidates; internal/executor runs the attempts. This
// split is new relative to spec.md's prose (which describes one per-attempt
// loop) but mirrors the teacher's own separation between
// internal/server (HTTP/model-selection surface) and internal/service
// (domain logic) — see DESIGN.md.
package router

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/health"
)

// Store is the subset of internal/store's persistence surface the router
// needs to resolve a service into its candidate models.
type Store interface {
	GetServiceByName(ctx context.Context, name string) (*domain.Service, error)
	GetModelByID(ctx context.Context, id string) (*domain.Model, error)
	ListAssignments(ctx context.Context, serviceID string) ([]domain.ServiceModelAssignment, error)
	MeanLatencyMS(ctx context.Context, modelID string) (float64, int, error)
}

// Router resolves services to ordered candidate lists.
type Router struct {
	store   Store
	health  *health.Tracker
	pricing PricingSource
}

// PricingSource estimates a per-token cost for a model lacking a DB-level
// cost override (spec.md §4.2's least_cost fallback chain).
type PricingSource interface {
	// StaticCostUSD returns the static pricing table's per-1k-token cost
	// estimate for modelName, or ok=false if the model isn't listed.
	StaticCostUSD(modelName string) (inputPer1k, outputPer1k float64, ok bool)
	DefaultCostUSD() float64
}

func New(store Store, healthTracker *health.Tracker, pricing PricingSource) *Router {
	return &Router{store: store, health: healthTracker, pricing: pricing}
}

// Candidate is one ordered entry in a resolved routing plan.
type Candidate struct {
	Model      domain.Model
	Assignment domain.ServiceModelAssignment
}

// Resolve returns the ordered candidate list for a request naming
// service/modelOverride. If no Service with that name exists, modelName is
// tried as a direct model ID, synthesizing an ephemeral single-model POOL
// service (spec.md §4.2 "Service resolution"). strategyOverride, when
// non-empty, replaces the service's configured Strategy for this call only
// (spec.md §6's per-request `routing_strategy` field).
func (r *Router) Resolve(ctx context.Context, serviceName, modelOverride string, strategyOverride domain.Strategy) ([]Candidate, error) {
	svc, err := r.store.GetServiceByName(ctx, serviceName)
	if err != nil {
		model, modelErr := r.store.GetModelByID(ctx, serviceName)
		if modelErr != nil {
			return nil, fmt.Errorf("no service or model named %q", serviceName)
		}
		return []Candidate{{Model: *model}}, nil
	}

	assignments, err := r.store.ListAssignments(ctx, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for service %s: %w", svc.Name, err)
	}

	candidates, err := r.filterHealthy(ctx, assignments, modelOverride)
	if err != nil {
		return nil, err
	}

	strategy := svc.Strategy
	if strategyOverride != "" {
		strategy = strategyOverride
	}

	return r.order(ctx, strategy, candidates)
}

// filterHealthy excludes unhealthy assignments and, if modelOverride is
// set, intersects with it.
func (r *Router) filterHealthy(ctx context.Context, assignments []domain.ServiceModelAssignment, modelOverride string) ([]Candidate, error) {
	var out []Candidate
	var unhealthyErrs []string

	for _, a := range assignments {
		model, err := r.store.GetModelByID(ctx, a.ModelID)
		if err != nil {
			continue
		}

		if modelOverride != "" && model.ID != modelOverride && model.Name != modelOverride {
			continue
		}

		status := r.health.Status(model.ID)
		if !status.IsHealthy {
			unhealthyErrs = append(unhealthyErrs, fmt.Sprintf("%s: %s", model.Name, status.LastError))
			continue
		}

		out = append(out, Candidate{Model: *model, Assignment: a})
	}

	if len(out) == 0 {
		if len(unhealthyErrs) > 0 {
			return nil, fmt.Errorf("service down: all assigned models unhealthy: %v", unhealthyErrs)
		}
		return nil, fmt.Errorf("no candidate models match requested model override %q", modelOverride)
	}

	return out, nil
}

// order applies the strategy's ordering rule (spec.md §4.2's strategy
// table), returning primary first, then failover candidates.
func (r *Router) order(ctx context.Context, strategy domain.Strategy, candidates []Candidate) ([]Candidate, error) {
	switch strategy {
	case domain.StrategyWeighted, domain.StrategyWeightedRandom, domain.StrategyPool:
		return r.orderWeighted(candidates), nil
	case domain.StrategyHealth, domain.StrategyLeaderWorker, domain.StrategyPriority:
		if len(candidates) > 1 {
			return r.orderWeighted(candidates), nil
		}
		return r.orderByPosition(candidates), nil
	case domain.StrategyLeastCost:
		return r.orderByCost(candidates), nil
	case domain.StrategyLeastLatency:
		return r.orderByLatency(ctx, candidates), nil
	case domain.StrategyNone:
		if len(candidates) > 1 {
			candidates = candidates[:1]
		}
		return candidates, nil
	default:
		return r.orderByPosition(candidates), nil
	}
}

func (r *Router) orderByPosition(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Assignment.Position < out[j].Assignment.Position })
	return out
}

// orderWeighted rolls a uniform draw across Σweights (tolerating 99-101 as
// "near 100", spec.md §4.2's weighted-sum handling) and puts the selected
// model first, the rest following in original order. Uses the package-level
// rand functions rather than a Router-owned *rand.Rand: Router is shared
// across every concurrently-served request (spec.md §5's "shared resources
// must be thread-safe"), and a private *rand.Rand is not safe for
// concurrent use by multiple goroutines.
func (r *Router) orderWeighted(candidates []Candidate) []Candidate {
	total := 0
	for _, c := range candidates {
		total += c.Assignment.Weight
	}

	if total <= 0 {
		// Zero sum degenerates to equal distribution: pick uniformly among
		// all candidates by index.
		idx := rand.Intn(len(candidates))
		return moveToFront(candidates, idx)
	}

	roll := rand.Intn(total)
	running := 0
	for i, c := range candidates {
		running += c.Assignment.Weight
		if roll < running {
			return moveToFront(candidates, i)
		}
	}

	return moveToFront(candidates, len(candidates)-1)
}

func moveToFront(candidates []Candidate, idx int) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	out = append(out, candidates[idx])
	for i, c := range candidates {
		if i != idx {
			out = append(out, c)
		}
	}
	return out
}

// orderByCost sorts ascending by cost: self-hosted/Ollama => 0, else DB
// cost override, else static pricing table, else the configured default.
// NaN sorts last (spec.md §4.2).
func (r *Router) orderByCost(candidates []Candidate) []Candidate {
	type scored struct {
		c    Candidate
		cost float64
	}

	scoredList := make([]scored, len(candidates))
	for i, c := range candidates {
		scoredList[i] = scored{c: c, cost: r.costFor(c.Model)}
	}

	sort.SliceStable(scoredList, func(i, j int) bool {
		a, b := scoredList[i].cost, scoredList[j].cost
		if math.IsNaN(a) {
			return false
		}
		if math.IsNaN(b) {
			return true
		}
		return a < b
	})

	out := make([]Candidate, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.c
	}
	return out
}

func (r *Router) costFor(model domain.Model) float64 {
	if model.ProviderType == domain.ProviderSelfHosted || model.ProviderType == domain.ProviderOllama {
		return 0
	}
	if model.CostInputPer1KUSD != nil {
		return *model.CostInputPer1KUSD
	}
	if input, _, ok := r.pricing.StaticCostUSD(model.Name); ok {
		return input
	}
	return r.pricing.DefaultCostUSD()
}

// orderByLatency sorts ascending by mean latency over the last hour of
// successful requests (capped at 100 samples by the store query); models
// with no samples fall back to 1000ms (spec.md §4.2).
func (r *Router) orderByLatency(ctx context.Context, candidates []Candidate) []Candidate {
	type scored struct {
		c       Candidate
		latency float64
	}

	scoredList := make([]scored, len(candidates))
	for i, c := range candidates {
		mean, n, err := r.store.MeanLatencyMS(ctx, c.Model.ID)
		if err != nil || n == 0 {
			mean = 1000
		}
		scoredList[i] = scored{c: c, latency: mean}
	}

	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].latency < scoredList[j].latency })

	out := make([]Candidate, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.c
	}
	return out
}
