package executor

import (
	"context"
	"testing"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/mawi-gateway/internal/breaker"
	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/health"
	"github.com/rakunlabs/mawi-gateway/internal/ingest"
	"github.com/rakunlabs/mawi-gateway/internal/provider"
	"github.com/rakunlabs/mawi-gateway/internal/router"
)

type stubStore struct {
	service     *domain.Service
	models      map[string]*domain.Model
	assignments []domain.ServiceModelAssignment
	providers   map[string]*domain.Provider
}

func (s *stubStore) GetServiceByName(_ context.Context, name string) (*domain.Service, error) {
	return s.service, nil
}

func (s *stubStore) GetModelByID(_ context.Context, id string) (*domain.Model, error) {
	return s.models[id], nil
}

func (s *stubStore) ListAssignments(_ context.Context, serviceID string) ([]domain.ServiceModelAssignment, error) {
	return s.assignments, nil
}

func (s *stubStore) MeanLatencyMS(_ context.Context, modelID string) (float64, int, error) {
	return 0, 0, nil
}

func (s *stubStore) GetProviderByID(_ context.Context, id string) (*domain.Provider, error) {
	return s.providers[id], nil
}

type stubUserStore struct {
	user *domain.User
	org  *domain.Organization
}

func (s *stubUserStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	return s.user, nil
}

func (s *stubUserStore) GetOrganizationByID(_ context.Context, id string) (*domain.Organization, error) {
	return s.org, nil
}

type stubPricing struct{}

func (stubPricing) StaticCostUSD(string) (float64, float64, bool) { return 0, 0, false }
func (stubPricing) DefaultCostUSD() float64                       { return 1.0 }

type failThenSucceedAdapter struct {
	provider.UnsupportedAdapter
	calls int
}

func (a *failThenSucceedAdapter) Chat(_ context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	a.calls++
	return &provider.ChatResponse{Content: "ok", Finished: true}, nil
}

func buildExecutor(t *testing.T) (*Executor, *stubStore) {
	t.Helper()

	store := &stubStore{
		service: &domain.Service{ID: "svc1", Name: "chat", Strategy: domain.StrategyNone},
		models: map[string]*domain.Model{
			"model-a": {ID: "model-a", Name: "model-a", ProviderID: "prov1", ContextWindow: 1000},
		},
		assignments: []domain.ServiceModelAssignment{
			{ModelID: "model-a", Position: 0, Weight: 100},
		},
		providers: map[string]*domain.Provider{
			"prov1": {ID: "prov1", Type: domain.ProviderSelfHosted, Endpoint: "http://localhost:11434"},
		},
	}

	r := router.New(store, health.New(5), stubPricing{})
	b := breaker.New(3, time.Minute, 1000)
	h := health.New(5)
	logger := ingest.NewLogger(noopLogStore{}, 100, 500, time.Hour)
	quota := ingest.NewQuotaCharger(noopQuotaStore{}, 100)

	exec := New(r, b, h, store, &stubUserStore{user: &domain.User{QuotaUSD: 0}}, make([]byte, 32), logger, quota, nil)
	return exec, store
}

type noopLogStore struct{}

func (noopLogStore) InsertRequestLogs(_ context.Context, _ []domain.RequestLog) error { return nil }

type noopQuotaStore struct{}

func (noopQuotaStore) ChargeUsage(_ context.Context, _ string, _ float64) error { return nil }

func TestPruneToWindowDropsOldestNonSystem(t *testing.T) {
	messages := []provider.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: string(make([]byte, 4000))},
		{Role: "user", Content: "short"},
	}
	pruned := pruneToWindow(messages, 10)
	if len(pruned) != 2 {
		t.Fatalf("expected pruning to drop the oversized message, got %d messages", len(pruned))
	}
	if pruned[0].Role != "system" {
		t.Fatalf("expected system message retained at front, got role %q", pruned[0].Role)
	}
}

func TestRunSkipsOpenBreaker(t *testing.T) {
	exec, _ := buildExecutor(t)

	for i := 0; i < 3; i++ {
		exec.breaker.RecordFailure("model-a")
	}

	_, err := exec.Run(context.Background(), Request{ServiceName: "chat"})
	if err == nil {
		t.Fatal("expected error when sole candidate's breaker is open")
	}
}

func TestCheckQuotaRefusesExhaustedUser(t *testing.T) {
	exec, _ := buildExecutor(t)
	exec.users = &stubUserStore{user: &domain.User{QuotaUSD: 1, UsedUSD: 1}}

	err := exec.checkQuota(context.Background(), "user1", nil, domain.Model{})
	if err == nil {
		t.Fatal("expected quota exhausted error")
	}
}

// TestCheckQuotaRefusesSpecScenario is spec.md §8's scenario 3 verbatim:
// quota=1.0, used=0.99, a request estimated at $0.02 must be refused since
// the $0.01 available balance is below both the floor and the estimate.
func TestCheckQuotaRefusesSpecScenario(t *testing.T) {
	exec, _ := buildExecutor(t)
	exec.users = &stubUserStore{user: &domain.User{QuotaUSD: 1.0, UsedUSD: 0.99}}

	inputCost, outputCost := 20.0, 0.0
	model := domain.Model{ID: "model-a", CostInputPer1KUSD: &inputCost, CostOutputPer1KUSD: &outputCost}
	messages := []provider.Message{{Role: "user", Content: "abcd"}} // 4 chars -> 1 estimated token -> $0.02

	err := exec.checkQuota(context.Background(), "user1", messages, model)
	if err == nil {
		t.Fatal("expected quota exhausted error: available $0.01 < estimate $0.02")
	}
}

func TestCheckQuotaBypassesFreeTier(t *testing.T) {
	exec, _ := buildExecutor(t)
	exec.users = &stubUserStore{user: &domain.User{QuotaUSD: 1, UsedUSD: 1, IsFreeTier: true}}

	if err := exec.checkQuota(context.Background(), "user1", nil, domain.Model{}); err != nil {
		t.Fatalf("expected free-tier user to bypass quota check, got %v", err)
	}
}

// TestCheckQuotaCountsOrgOverflow is spec.md §4.2 step 4's "personal + org
// overflow" clause: a user out of personal headroom is still allowed
// through when their organization has enough of its own.
func TestCheckQuotaCountsOrgOverflow(t *testing.T) {
	exec, _ := buildExecutor(t)
	exec.users = &stubUserStore{
		user: &domain.User{QuotaUSD: 1.0, UsedUSD: 1.0, OrganizationID: types.NewNull("org1")},
		org:  &domain.Organization{ID: "org1", QuotaUSD: 10.0, UsedUSD: 0},
	}

	inputCost, outputCost := 20.0, 0.0
	model := domain.Model{ID: "model-a", CostInputPer1KUSD: &inputCost, CostOutputPer1KUSD: &outputCost}
	messages := []provider.Message{{Role: "user", Content: "abcd"}}

	if err := exec.checkQuota(context.Background(), "user1", messages, model); err != nil {
		t.Fatalf("expected org overflow to cover the estimate, got %v", err)
	}
}
