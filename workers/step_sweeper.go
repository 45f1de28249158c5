package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/orykevin/chef-pathbound/models"
	"github.com/orykevin/chef-pathbound/services"
)

// StepSweeper recovers from lost timers: scheduled jobs live in memory, so a
// restart drops every pending resolve_step. On start and then every interval
// it re-schedules resolution for voting steps whose window ended more than
// grace ago, and reports campaigns stuck after a resolved step.
type StepSweeper struct {
	svc        *services.CampaignService
	scheduler  services.Scheduler
	metrics    *services.Metrics
	interval   time.Duration
	grace      time.Duration
	stallAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

func NewStepSweeper(svc *services.CampaignService, sched services.Scheduler, metrics *services.Metrics, interval, grace, stallAfter time.Duration, log zerolog.Logger) *StepSweeper {
	return &StepSweeper{
		svc:        svc,
		scheduler:  sched,
		metrics:    metrics,
		interval:   interval,
		grace:      grace,
		stallAfter: stallAfter,
		now:        time.Now,
		log:        log.With().Str("component", "sweeper").Logger(),
	}
}

// SweepReport counts what one pass found.
type SweepReport struct {
	Rescheduled int
	Stalled     int
}

// Run sweeps until ctx is cancelled.
func (w *StepSweeper) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Dur("grace", w.grace).Msg("[SWEEP] starting step sweeper")
	if _, err := w.Sweep(ctx); err != nil {
		w.log.Error().Err(err).Msg("[SWEEP] initial sweep failed")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("[SWEEP] step sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.log.Error().Err(err).Msg("[SWEEP] sweep failed")
			}
		}
	}
}

// Sweep runs one pass.
func (w *StepSweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := w.now().UTC()

	overdue, err := w.svc.OverdueSteps(ctx, now.Add(-w.grace))
	if err != nil {
		return report, err
	}
	for _, st := range overdue {
		task, err := models.NewTask(models.TaskResolveStep, models.ResolveStepPayload{StepID: st.ID})
		if err == nil {
			err = w.scheduler.ScheduleAfter(ctx, 0, task)
		}
		if err != nil {
			w.log.Error().Err(err).Str("step_id", st.ID).Msg("[SWEEP] failed to reschedule resolution")
			continue
		}
		report.Rescheduled++
		w.log.Warn().
			Str("campaign_id", st.CampaignID).
			Str("step_id", st.ID).
			Dur("overdue_by", now.Sub(st.VotingEndsAt)).
			Msg("[SWEEP] overdue step rescheduled")
	}

	stalled, err := w.svc.StalledCampaigns(ctx, now.Add(-w.stallAfter))
	if err != nil {
		return report, err
	}
	report.Stalled = len(stalled)
	w.metrics.SetStalled(report.Stalled)
	for _, p := range stalled {
		w.log.Error().
			Str("campaign_id", p.CampaignID).
			Int("current_step", p.CurrentStep).
			Int("score", p.CurrentScore).
			Time("since", p.UpdatedAt).
			Msg("[SWEEP] campaign stalled after resolution, resume it from the admin API")
	}
	return report, nil
}
