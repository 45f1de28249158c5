package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/orykevin/chef-pathbound/models"
)

// TaskHandler runs one delivered task.
type TaskHandler func(ctx context.Context, task models.Task) error

// TaskHandlers maps every task the engine schedules to its handler.
func (s *CampaignService) TaskHandlers() map[models.TaskName]TaskHandler {
	return map[models.TaskName]TaskHandler{
		models.TaskResolveStep:      s.handleResolveStep,
		models.TaskGenerateNextStep: s.handleGenerateNextStep,
		models.TaskGenerateEnding:   s.handleGenerateEnding,
		models.TaskGenerateCampaign: s.handleGenerateCampaign,
	}
}

func (s *CampaignService) handleResolveStep(ctx context.Context, task models.Task) error {
	var p models.ResolveStepPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	_, err := s.ResolveStep(ctx, p.StepID)
	if errors.Is(err, models.ErrInvalidState) {
		s.Log.Debug().Str("step_id", p.StepID).Err(err).Msg("resolve skipped")
		return nil
	}
	return err
}

func (s *CampaignService) handleGenerateNextStep(ctx context.Context, task models.Task) error {
	var p models.NextStepPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	_, err := s.ContinueCampaign(ctx, p.CampaignID, p.StepNumber)
	if errors.Is(err, models.ErrInvalidState) {
		s.Log.Debug().Str("campaign_id", p.CampaignID).Err(err).Msg("next step skipped")
		return nil
	}
	return err
}

func (s *CampaignService) handleGenerateEnding(ctx context.Context, task models.Task) error {
	var p models.EndingPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	_, err := s.ConcludeCampaign(ctx, p.CampaignID, p.Good)
	return err
}

func (s *CampaignService) handleGenerateCampaign(ctx context.Context, _ models.Task) error {
	_, err := s.GenerateCampaign(ctx, models.OpeningRequest{})
	return err
}

// ContinueCampaign asks the generator for step stepNumber and opens it.
func (s *CampaignService) ContinueCampaign(ctx context.Context, campaignID string, stepNumber int) (step *models.CampaignStep, err error) {
	ctx, span := s.startSpan(ctx, "CampaignService.ContinueCampaign")
	defer func() { endSpan(span, err) }()

	c, prog, err := s.loadCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.IsFinished {
		return nil, models.ErrCampaignFinished
	}
	// checked again inside OpenStep; failing here saves a generator call
	if prog.CurrentStep >= stepNumber {
		return nil, fmt.Errorf("%w: campaign %s already reached step %d", models.ErrStepOutOfOrder, campaignID, prog.CurrentStep)
	}

	prior, err := s.PriorSteps(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	gen, err := s.Generator.GenerateNextStep(ctx, models.NextStepRequest{
		Context:    models.ContextOf(c),
		Score:      models.ScoreState{Current: prog.CurrentScore, Target: prog.TargetScore},
		PriorSteps: prior,
	})
	if err != nil {
		return nil, s.generationFailed(models.TaskGenerateNextStep, campaignID, err)
	}
	return s.OpenStep(ctx, campaignID, stepNumber, gen.Plot, models.ToStepOptions(gen.Options))
}

// ConcludeCampaign generates the ending text and finishes the campaign.
func (s *CampaignService) ConcludeCampaign(ctx context.Context, campaignID string, good bool) (c *models.Campaign, err error) {
	ctx, span := s.startSpan(ctx, "CampaignService.ConcludeCampaign")
	defer func() { endSpan(span, err) }()

	c, _, err = s.loadCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.IsFinished {
		return nil, models.ErrCampaignFinished
	}
	prior, err := s.PriorSteps(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	ending, err := s.Generator.GenerateEnding(ctx, models.EndingRequest{
		Context:    models.ContextOf(c),
		PriorSteps: prior,
		Good:       good,
	})
	if err != nil {
		return nil, s.generationFailed(models.TaskGenerateEnding, campaignID, err)
	}

	kind := models.EndingBad
	if good {
		kind = models.EndingGood
	}
	return s.FinishCampaign(ctx, campaignID, ending.Text, kind)
}

// recentSummaryCount is how many past campaigns the opening prompt sees.
const recentSummaryCount = 5

// GenerateCampaign asks the generator for a fresh opening and creates it.
// Empty Theme or Difficulty in req leave the choice to the generator.
func (s *CampaignService) GenerateCampaign(ctx context.Context, req models.OpeningRequest) (c *models.Campaign, err error) {
	ctx, span := s.startSpan(ctx, "CampaignService.GenerateCampaign")
	defer func() { endSpan(span, err) }()

	var recent []models.Campaign
	if err := s.DB.WithContext(ctx).Order("created_at DESC").Limit(recentSummaryCount).Find(&recent).Error; err != nil {
		return nil, err
	}
	for _, r := range recent {
		req.RecentCampaigns = append(req.RecentCampaigns, fmt.Sprintf("%s: %s", r.Name, r.Background))
	}

	opening, err := s.Generator.GenerateOpening(ctx, req)
	if err != nil {
		return nil, s.generationFailed(models.TaskGenerateCampaign, "", err)
	}
	if req.Difficulty != "" {
		opening.Difficulty = req.Difficulty
	}
	return s.CreateCampaign(ctx, opening)
}

// generationFailed records a generator failure. The task is not retried: the
// campaign stays resolved-but-not-continued until an operator resumes it.
func (s *CampaignService) generationFailed(task models.TaskName, campaignID string, cause error) error {
	s.Metrics.generationFailed(string(task))
	s.Log.Error().Err(cause).
		Str("task", string(task)).
		Str("campaign_id", campaignID).
		Msg("story generation failed, campaign needs operator attention")
	return fmt.Errorf("%s: %w: %w", task, models.ErrUpstreamGenerationFailed, cause)
}

// ResumeCampaign re-schedules the follow-up a stalled campaign is missing:
// the ending if its score already crossed a threshold, otherwise the next step.
func (s *CampaignService) ResumeCampaign(ctx context.Context, campaignID string) (task models.TaskName, err error) {
	ctx, span := s.startSpan(ctx, "CampaignService.ResumeCampaign")
	defer func() { endSpan(span, err) }()

	c, prog, err := s.loadCampaign(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if c.IsFinished {
		return "", models.ErrCampaignFinished
	}
	if prog.Status != models.StepStatusResolved {
		return "", fmt.Errorf("%w: campaign %s has an open step", models.ErrStepOutOfOrder, campaignID)
	}

	switch v := models.Judge(prog.CurrentScore, prog.TargetScore); v {
	case models.VerdictContinue:
		task = models.TaskGenerateNextStep
		s.schedule(ctx, 0, task, models.NextStepPayload{CampaignID: campaignID, StepNumber: prog.CurrentStep + 1})
	default:
		task = models.TaskGenerateEnding
		s.schedule(ctx, 0, task, models.EndingPayload{CampaignID: campaignID, Good: v == models.VerdictGoodEnding})
	}
	s.Log.Warn().Str("campaign_id", campaignID).Str("task", string(task)).Msg("campaign resumed by operator")
	return task, nil
}

func (s *CampaignService) loadCampaign(ctx context.Context, campaignID string) (*models.Campaign, *models.CampaignProgress, error) {
	var c models.Campaign
	if err := s.DB.WithContext(ctx).Where("id = ?", campaignID).First(&c).Error; err != nil {
		return nil, nil, lookupErr(err, models.ErrCampaignNotFound)
	}
	var prog models.CampaignProgress
	if err := s.DB.WithContext(ctx).Where("campaign_id = ?", campaignID).First(&prog).Error; err != nil {
		return nil, nil, lookupErr(err, models.ErrCampaignNotFound)
	}
	return &c, &prog, nil
}

// PriorSteps returns the resolved steps of a campaign as the generator sees them.
func (s *CampaignService) PriorSteps(ctx context.Context, campaignID string) ([]models.PriorStep, error) {
	var steps []models.CampaignStep
	if err := s.DB.WithContext(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, models.StepStatusResolved).
		Order("step_number ASC").
		Find(&steps).Error; err != nil {
		return nil, err
	}
	out := make([]models.PriorStep, 0, len(steps))
	for _, st := range steps {
		p := models.PriorStep{StepNumber: st.StepNumber, Plot: st.Plot}
		if st.SelectedOptionID != nil {
			if opt, ok := st.Option(*st.SelectedOptionID); ok {
				p.ChosenLabel = opt.Label
				p.ChosenValue = opt.Value
			}
		}
		if st.SelectedCount != nil {
			p.SelectedCount = *st.SelectedCount
		}
		out = append(out, p)
	}
	return out, nil
}

// FinishCampaign records the ending. It fails with ErrCampaignFinished when
// the campaign is already finished. Archiving the transcript is best effort.
func (s *CampaignService) FinishCampaign(ctx context.Context, campaignID, endingText string, kind models.EndingKind) (c *models.Campaign, err error) {
	ctx, span := s.startSpan(ctx, "CampaignService.FinishCampaign")
	defer func() { endSpan(span, err) }()

	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found models.Campaign
		if err := forUpdate(tx).Where("id = ?", campaignID).First(&found).Error; err != nil {
			return lookupErr(err, models.ErrCampaignNotFound)
		}
		if found.IsFinished {
			return models.ErrCampaignFinished
		}
		res := tx.Model(&models.Campaign{}).
			Where("id = ? AND is_finished = ?", campaignID, false).
			Updates(map[string]any{
				"is_finished": true,
				"ending_text": endingText,
				"ending_kind": kind,
				"finished_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return models.ErrCampaignFinished
		}
		found.IsFinished = true
		found.EndingText = &endingText
		found.EndingKind = &kind
		found.FinishedAt = &now
		c = &found
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.campaignEnded(kind)
	s.Log.Info().Str("campaign_id", campaignID).Str("ending", string(kind)).Msg("campaign finished")
	s.archive(ctx, c)
	return c, nil
}
