package services

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/orykevin/chef-pathbound/models"
	"github.com/orykevin/chef-pathbound/testutil"
)

type fixture struct {
	svc   *CampaignService
	db    *gorm.DB
	sched *testutil.FakeScheduler
	gen   *testutil.FakeGenerator
	reg   *prometheus.Registry
}

// newFixture wires a service against a fresh database, a recording
// scheduler, a canned generator and a private metrics registry. Options are
// not shuffled so tests can address them by id.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.SetupTestDB(t)
	sched := &testutil.FakeScheduler{}
	gen := testutil.NewFakeGenerator()
	reg := prometheus.NewRegistry()

	svc := NewCampaignService(db, sched, gen, zerolog.Nop())
	svc.Metrics = NewMetrics(reg)
	svc.Shuffle = func([]models.StepOption) {}
	return &fixture{svc: svc, db: db, sched: sched, gen: gen, reg: reg}
}
