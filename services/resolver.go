package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/orykevin/chef-pathbound/models"
)

// Resolution outcomes.
const (
	OutcomePending  = "pending"
	OutcomeResolved = "resolved"
)

// Resolution describes what one ResolveStep call did.
type Resolution struct {
	StepID     string
	CampaignID string
	StepNumber int
	Outcome    string
	Winner     models.StepOption
	Count      int
	Score      int
	Target     int
	Verdict    models.Verdict
}

// ResolveStep closes a voting step. Only a step currently in voting is
// touched; anything else returns ErrStepNotVoting without side effects, which
// is the normal result for a stale timer or a re-delivered task.
//
// With no votes the step goes pending and waits for a reactivating vote.
// Otherwise the winner's value is added to the score and to each winning
// voter's contributions, and generation of the ending or the next step is
// scheduled once the transaction commits.
func (s *CampaignService) ResolveStep(ctx context.Context, stepID string) (res Resolution, err error) {
	ctx, span := s.startSpan(ctx, "CampaignService.ResolveStep")
	defer func() { endSpan(span, err) }()

	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step models.CampaignStep
		if err := forUpdate(tx).Where("id = ?", stepID).First(&step).Error; err != nil {
			return lookupErr(err, models.ErrStepNotFound)
		}
		if step.Status != models.StepStatusVoting {
			return fmt.Errorf("%w: step %s is %s", models.ErrStepNotVoting, step.ID, step.Status)
		}

		var prog models.CampaignProgress
		if err := forUpdate(tx).Where("campaign_id = ?", step.CampaignID).First(&prog).Error; err != nil {
			return lookupErr(err, models.ErrCampaignNotFound)
		}

		var votes []models.Vote
		if err := tx.Where("campaign_step_id = ?", step.ID).
			Order("seq ASC").
			Find(&votes).Error; err != nil {
			return err
		}

		res = Resolution{
			StepID:     step.ID,
			CampaignID: step.CampaignID,
			StepNumber: step.StepNumber,
			Score:      prog.CurrentScore,
			Target:     prog.TargetScore,
		}

		winner, ok := models.Tally(votes)
		if !ok {
			if err := transitionStep(tx, step.ID, map[string]any{"status": models.StepStatusPending}); err != nil {
				return err
			}
			res.Outcome = OutcomePending
			return tx.Model(&models.CampaignProgress{}).Where("id = ?", prog.ID).
				Update("status", models.StepStatusPending).Error
		}

		opt, found := step.Option(winner.OptionID)
		if !found {
			return fmt.Errorf("step %s: winning option %d: %w", step.ID, winner.OptionID, models.ErrInvalidOption)
		}

		if err := transitionStep(tx, step.ID, map[string]any{
			"status":             models.StepStatusResolved,
			"selected_option_id": opt.ID,
			"selected_value":     opt.Value,
			"selected_count":     winner.Count,
			"resolved_at":        now,
		}); err != nil {
			return err
		}

		if err := tx.Model(&models.CampaignProgress{}).Where("id = ?", prog.ID).
			Updates(map[string]any{
				"current_score": gorm.Expr("current_score + ?", opt.Value),
				"status":        models.StepStatusResolved,
			}).Error; err != nil {
			return err
		}

		if opt.Value != 0 {
			var winners []string
			for _, v := range votes {
				if v.SelectedOptionID == opt.ID {
					winners = append(winners, v.CampaignUserID)
				}
			}
			if err := tx.Model(&models.CampaignUser{}).Where("id IN ?", winners).
				Update("total_contributions", gorm.Expr("total_contributions + ?", opt.Value)).Error; err != nil {
				return err
			}
		}

		res.Outcome = OutcomeResolved
		res.Winner = opt
		res.Count = winner.Count
		res.Score = prog.CurrentScore + opt.Value
		res.Verdict = models.Judge(res.Score, prog.TargetScore)
		return nil
	})
	if err != nil {
		return Resolution{}, err
	}

	s.Metrics.resolution(res.Outcome)
	log := s.Log.Info().
		Str("campaign_id", res.CampaignID).
		Str("step_id", res.StepID).
		Int("step_number", res.StepNumber).
		Str("outcome", res.Outcome)

	if res.Outcome == OutcomePending {
		log.Msg("voting window closed without votes")
		return res, nil
	}

	log.Int("option_id", res.Winner.ID).
		Int("value", res.Winner.Value).
		Int("count", res.Count).
		Int("score", res.Score).
		Int("target", res.Target).
		Str("verdict", res.Verdict.String()).
		Msg("step resolved")

	switch res.Verdict {
	case models.VerdictGoodEnding, models.VerdictBadEnding:
		s.schedule(ctx, 0, models.TaskGenerateEnding, models.EndingPayload{
			CampaignID: res.CampaignID,
			Good:       res.Verdict == models.VerdictGoodEnding,
		})
	default:
		s.schedule(ctx, 0, models.TaskGenerateNextStep, models.NextStepPayload{
			CampaignID: res.CampaignID,
			StepNumber: res.StepNumber + 1,
		})
	}
	return res, nil
}

// transitionStep applies updates to a step only while it is still voting.
func transitionStep(tx *gorm.DB, stepID string, updates map[string]any) error {
	res := tx.Model(&models.CampaignStep{}).
		Where("id = ? AND status = ?", stepID, models.StepStatusVoting).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: step %s changed concurrently", models.ErrStepNotVoting, stepID)
	}
	return nil
}
