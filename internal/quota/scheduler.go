// Package quota runs the periodic housekeeping sweep that resets a user's
// or organization's UsedUSD once its ResetAt has passed, complementing the
// per-request charging internal/ingest.QuotaCharger does inline.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/worldline-go/hardloop"
)

// Store is the slice of store.Storer this scheduler needs: list and
// rewrite every user/organization's quota window.
type Store interface {
	ListUsers(ctx context.Context) ([]domain.User, error)
	UpdateUser(ctx context.Context, id string, u domain.User) (*domain.User, error)
	ListOrganizations(ctx context.Context) ([]domain.Organization, error)
	UpdateOrganization(ctx context.Context, id string, o domain.Organization) (*domain.Organization, error)
}

// cronRunner is satisfied by hardloop's unexported *cronJob type (returned
// by hardloop.NewCron), the same indirection the teacher's workflow
// scheduler uses to avoid naming hardloop's concrete type.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// ResetScheduler sweeps every user/organization on an hourly cron tick,
// zeroing UsedUSD and advancing ResetAt by one month for any row whose
// window has elapsed.
type ResetScheduler struct {
	store Store
	cron  cronRunner
}

// NewResetScheduler builds a ResetScheduler. Call Start to begin ticking.
func NewResetScheduler(store Store) *ResetScheduler {
	return &ResetScheduler{store: store}
}

// Start builds and starts the underlying hardloop cron runner. ctx governs
// the runner's lifetime; cancelling it stops the sweep.
func (s *ResetScheduler) Start(ctx context.Context) error {
	cronJob, err := hardloop.NewCron(hardloop.Cron{
		Name:  "quota-reset-sweep",
		Specs: []string{"@hourly"},
		Func:  s.sweep,
	})
	if err != nil {
		return err
	}

	s.cron = cronJob
	return cronJob.Start(ctx)
}

// Stop stops the cron runner. Safe to call even if Start was never called
// or failed.
func (s *ResetScheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *ResetScheduler) sweep(ctx context.Context) error {
	now := time.Now().UTC()

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		slog.Warn("quota reset sweep: list users", "error", err)
	}
	for _, u := range users {
		if now.Before(u.ResetAt) {
			continue
		}
		u.UsedUSD = 0
		u.ResetAt = now.AddDate(0, 1, 0)
		if _, err := s.store.UpdateUser(ctx, u.ID, u); err != nil {
			slog.Warn("quota reset sweep: reset user", "user_id", u.ID, "error", err)
		}
	}

	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		slog.Warn("quota reset sweep: list organizations", "error", err)
	}
	for _, o := range orgs {
		if now.Before(o.ResetAt) {
			continue
		}
		o.UsedUSD = 0
		o.ResetAt = now.AddDate(0, 1, 0)
		if _, err := s.store.UpdateOrganization(ctx, o.ID, o); err != nil {
			slog.Warn("quota reset sweep: reset organization", "org_id", o.ID, "error", err)
		}
	}

	return nil
}
