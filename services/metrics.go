package services

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orykevin/chef-pathbound/models"
)

// Metrics are the engine's prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Votes            *prometheus.CounterVec
	StepResolutions  *prometheus.CounterVec
	StepsOpened      prometheus.Counter
	CampaignsEnded   *prometheus.CounterVec
	GenerationFailed *prometheus.CounterVec
	StalledCampaigns prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathbound_votes_total",
			Help: "Votes submitted, by result.",
		}, []string{"result"}),
		StepResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathbound_step_resolutions_total",
			Help: "Resolver runs that changed state, by outcome.",
		}, []string{"outcome"}),
		StepsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pathbound_steps_opened_total",
			Help: "Steps opened for voting.",
		}),
		CampaignsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathbound_campaigns_finished_total",
			Help: "Campaigns finished, by ending.",
		}, []string{"ending"}),
		GenerationFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathbound_generation_failures_total",
			Help: "Story generation tasks that gave up, by task.",
		}, []string{"task"}),
		StalledCampaigns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pathbound_stalled_campaigns",
			Help: "Campaigns whose last step resolved without a follow-up.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Votes, m.StepResolutions, m.StepsOpened, m.CampaignsEnded, m.GenerationFailed, m.StalledCampaigns)
	}
	return m
}

func (m *Metrics) vote(result string) {
	if m != nil {
		m.Votes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) resolution(outcome string) {
	if m != nil {
		m.StepResolutions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) stepOpened() {
	if m != nil {
		m.StepsOpened.Inc()
	}
}

func (m *Metrics) campaignEnded(kind models.EndingKind) {
	if m != nil {
		m.CampaignsEnded.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) generationFailed(task string) {
	if m != nil {
		m.GenerationFailed.WithLabelValues(task).Inc()
	}
}

// SetStalled is called by the step sweeper.
func (m *Metrics) SetStalled(n int) {
	if m != nil {
		m.StalledCampaigns.Set(float64(n))
	}
}
