package router

import (
	"context"
	"testing"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/health"
)

type fakeStore struct {
	services    map[string]*domain.Service
	models      map[string]*domain.Model
	assignments map[string][]domain.ServiceModelAssignment
	latency     map[string]float64
}

func (f *fakeStore) GetServiceByName(_ context.Context, name string) (*domain.Service, error) {
	if s, ok := f.services[name]; ok {
		return s, nil
	}
	return nil, errNotFound
}

func (f *fakeStore) GetModelByID(_ context.Context, id string) (*domain.Model, error) {
	if m, ok := f.models[id]; ok {
		return m, nil
	}
	return nil, errNotFound
}

func (f *fakeStore) ListAssignments(_ context.Context, serviceID string) ([]domain.ServiceModelAssignment, error) {
	return f.assignments[serviceID], nil
}

func (f *fakeStore) MeanLatencyMS(_ context.Context, modelID string) (float64, int, error) {
	if v, ok := f.latency[modelID]; ok {
		return v, 10, nil
	}
	return 0, 0, nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errNotFound = errString("not found")

type fakePricing struct{}

func (fakePricing) StaticCostUSD(string) (float64, float64, bool) { return 0, 0, false }
func (fakePricing) DefaultCostUSD() float64                       { return 5.0 }

func buildService(strategy domain.Strategy, weights []int) (*fakeStore, string) {
	svc := &domain.Service{ID: "svc1", Name: "chat", Strategy: strategy}
	store := &fakeStore{
		services:    map[string]*domain.Service{"chat": svc},
		models:      map[string]*domain.Model{},
		assignments: map[string][]domain.ServiceModelAssignment{},
	}

	var assignments []domain.ServiceModelAssignment
	for i, w := range weights {
		id := string(rune('a' + i))
		store.models[id] = &domain.Model{ID: id, Name: id}
		assignments = append(assignments, domain.ServiceModelAssignment{ModelID: id, Position: i, Weight: w})
	}
	store.assignments["svc1"] = assignments

	return store, "chat"
}

func TestWeightedDistribution(t *testing.T) {
	store, name := buildService(domain.StrategyWeighted, []int{90, 10})
	r := New(store, health.New(5), fakePricing{})

	counts := map[string]int{}
	const trials = 2000
	for i := 0; i < trials; i++ {
		candidates, err := r.Resolve(context.Background(), name, "")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		counts[candidates[0].Model.ID]++
	}

	// "a" has weight 90/100; expect roughly 90% primary selection, with
	// generous tolerance since this is a statistical property.
	fracA := float64(counts["a"]) / float64(trials)
	if fracA < 0.80 || fracA > 0.98 {
		t.Fatalf("expected ~90%% selection of heavier-weighted model, got %.2f (counts=%v)", fracA, counts)
	}
}

func TestNoneStrategySingleModel(t *testing.T) {
	store, name := buildService(domain.StrategyNone, []int{50, 50})
	r := New(store, health.New(5), fakePricing{})

	candidates, err := r.Resolve(context.Background(), name, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected exactly 1 candidate for none strategy, got %d", len(candidates))
	}
}

func TestUnhealthyModelsExcluded(t *testing.T) {
	store, name := buildService(domain.StrategyWeighted, []int{50, 50})
	r := New(store, health.New(1), fakePricing{})

	r.health.RecordFailure("a", "boom")

	candidates, err := r.Resolve(context.Background(), name, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, c := range candidates {
		if c.Model.ID == "a" {
			t.Fatal("expected unhealthy model 'a' to be excluded")
		}
	}
}

func TestLeastCostOrdering(t *testing.T) {
	store, name := buildService(domain.StrategyLeastCost, []int{50, 50})
	costA, costB := 0.002, 0.0005
	store.models["a"].CostInputPer1KUSD = &costA
	store.models["b"].CostInputPer1KUSD = &costB

	r := New(store, health.New(5), fakePricing{})

	candidates, err := r.Resolve(context.Background(), name, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if candidates[0].Model.ID != "b" {
		t.Fatalf("expected cheaper model 'b' first, got %s", candidates[0].Model.ID)
	}
}
