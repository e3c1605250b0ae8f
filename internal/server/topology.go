package server

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
)

type topologyProvider struct {
	Key  string              `json:"key"`
	Type domain.ProviderType `json:"type"`
}

type topologyModel struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Modality domain.Modality `json:"modality"`
}

type topologyService struct {
	Service    string   `json:"service"`
	Models     []string `json:"models"`
	McpServers []string `json:"mcp_servers,omitempty"`
}

type topologyResponse struct {
	Providers []topologyProvider `json:"providers"`
	Services  []topologyService  `json:"services"`
	Models    []topologyModel    `json:"models"`
}

// Topology implements GET /v1/topology (spec.md §6), filtered to the
// calling token's AllowedProviders/AllowedModels scope.
func (s *Server) Topology(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())

	providers, err := s.store.ListProviders(r.Context())
	if err != nil {
		httpResponseError(w, err)
		return
	}
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		httpResponseError(w, err)
		return
	}
	services, err := s.store.ListServices(r.Context())
	if err != nil {
		httpResponseError(w, err)
		return
	}

	resp := topologyResponse{}

	for _, p := range providers {
		if !scopeAllows(identity.AllowedProviders, p.Key) {
			continue
		}
		resp.Providers = append(resp.Providers, topologyProvider{Key: p.Key, Type: p.Type})
	}

	for _, m := range models {
		if !scopeAllows(identity.AllowedModels, m.Name) {
			continue
		}
		resp.Models = append(resp.Models, topologyModel{ID: m.ID, Name: m.Name, Modality: m.Modality})
	}

	for _, svc := range services {
		assignments, err := s.store.ListAssignments(r.Context(), svc.ID)
		if err != nil {
			httpResponseError(w, err)
			return
		}

		var modelNames []string
		for _, a := range assignments {
			model, err := s.store.GetModelByID(r.Context(), a.ModelID)
			if err != nil || !scopeAllows(identity.AllowedModels, model.Name) {
				continue
			}
			modelNames = append(modelNames, model.Name)
		}
		if len(modelNames) == 0 {
			continue
		}

		var mcpKeys []string
		mcpServers, err := s.store.ListServiceMcpServers(r.Context(), svc.ID)
		if err == nil {
			for _, m := range mcpServers {
				mcpKeys = append(mcpKeys, m.Key)
			}
		}

		resp.Services = append(resp.Services, topologyService{
			Service:    svc.Name,
			Models:     modelNames,
			McpServers: mcpKeys,
		})
	}

	httpResponseJSON(w, resp, http.StatusOK)
}

func scopeAllows(allowed []string, name string) bool {
	return len(allowed) == 0 || slices.Contains(allowed, name)
}

// Healthz implements GET /v1/health.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Metrics implements GET /v1/metrics. The `tell`/`mtelemetry` stack already
// wired into the middleware chain in server.go covers process-level HTTP
// telemetry; this endpoint hand-rolls Prometheus text exposition for the
// domain-specific gauges that stack has no visibility into — per-model
// passive health and the ingest worker's drop counter (see DESIGN.md).
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	health, err := s.store.ListModelHealth(r.Context())
	if err != nil {
		httpResponseError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintln(w, "# HELP mawi_model_healthy Whether the model's passive health check currently reports healthy.")
	fmt.Fprintln(w, "# TYPE mawi_model_healthy gauge")
	for _, h := range health {
		healthy := 0
		if h.IsHealthy {
			healthy = 1
		}
		fmt.Fprintf(w, "mawi_model_healthy{model_id=%q} %d\n", h.ModelID, healthy)
	}

	fmt.Fprintln(w, "# HELP mawi_model_consecutive_failures Consecutive passive health check failures for the model.")
	fmt.Fprintln(w, "# TYPE mawi_model_consecutive_failures gauge")
	for _, h := range health {
		fmt.Fprintf(w, "mawi_model_consecutive_failures{model_id=%q} %d\n", h.ModelID, h.ConsecutiveFailures)
	}

	fmt.Fprintln(w, "# HELP mawi_log_ingest_dropped_total Request logs dropped by the async ingest worker because its channel was full.")
	fmt.Fprintln(w, "# TYPE mawi_log_ingest_dropped_total counter")
	fmt.Fprintf(w, "mawi_log_ingest_dropped_total %d\n", s.logger.Dropped())
}
