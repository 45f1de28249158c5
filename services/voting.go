package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orykevin/chef-pathbound/models"
)

// errNeedsExclusive aborts a vote attempt that read a pending step under the
// shared lock; the retry takes the exclusive lock from the start.
var errNeedsExclusive = errors.New("step needs exclusive lock")

// CastVote records userID's choice on a step.
//
// A vote on a pending step (window expired with no votes) reactivates it and
// schedules an immediate resolution; that voter's TotalVotes is left alone.
// Concurrent votes on a voting step share the step lock, and the (step, user)
// unique index turns duplicate submissions into ErrAlreadyVoted.
func (s *CampaignService) CastVote(ctx context.Context, stepID, userID string, optionID int) (vote *models.Vote, err error) {
	ctx, span := s.startSpan(ctx, "CampaignService.CastVote")
	defer func() {
		if err != nil {
			s.Metrics.vote("rejected")
		}
		endSpan(span, err)
	}()

	var reactivated bool
	now := s.now()
	cast := func(exclusive bool) error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			v, flipped, err := s.castVote(tx, stepID, userID, optionID, now, exclusive)
			if err != nil {
				return err
			}
			vote, reactivated = v, flipped
			return nil
		})
	}
	err = cast(false)
	if errors.Is(err, errNeedsExclusive) {
		err = cast(true)
	}
	if err != nil {
		if !errors.Is(err, models.ErrAlreadyVoted) && !errors.Is(err, models.ErrInvalidState) && !errors.Is(err, models.ErrNotFound) {
			s.Log.Error().Err(err).Str("step_id", stepID).Str("user_id", userID).Msg("vote failed")
		}
		return nil, err
	}

	if reactivated {
		s.Metrics.vote("reactivated")
		s.schedule(ctx, 0, models.TaskResolveStep, models.ResolveStepPayload{StepID: stepID})
		s.Log.Info().Str("step_id", stepID).Str("user_id", userID).Msg("pending step reactivated by vote")
	} else {
		s.Metrics.vote("accepted")
	}
	return vote, nil
}

// castVote runs one vote attempt inside tx. A shared step lock is never
// upgraded: finding the step pending under it returns errNeedsExclusive.
func (s *CampaignService) castVote(tx *gorm.DB, stepID, userID string, optionID int, now time.Time, exclusive bool) (*models.Vote, bool, error) {
	var peek models.CampaignStep
	if err := tx.Select("id", "status").Where("id = ?", stepID).First(&peek).Error; err != nil {
		return nil, false, lookupErr(err, models.ErrStepNotFound)
	}
	if peek.Status == models.StepStatusPending {
		exclusive = true
	}
	lock := forShare
	if exclusive {
		lock = forUpdate
	}

	var step models.CampaignStep
	if err := lock(tx).Where("id = ?", stepID).First(&step).Error; err != nil {
		return nil, false, lookupErr(err, models.ErrStepNotFound)
	}
	if step.Status == models.StepStatusPending && !exclusive {
		return nil, false, errNeedsExclusive
	}

	var c models.Campaign
	if err := tx.Select("id", "is_finished").Where("id = ?", step.CampaignID).First(&c).Error; err != nil {
		return nil, false, lookupErr(err, models.ErrCampaignNotFound)
	}
	if c.IsFinished {
		return nil, false, models.ErrCampaignFinished
	}

	var member models.CampaignUser
	if err := tx.Where("campaign_id = ? AND user_id = ?", step.CampaignID, userID).First(&member).Error; err != nil {
		return nil, false, lookupErr(err, models.ErrNotMember)
	}
	if _, ok := step.Option(optionID); !ok {
		return nil, false, models.ErrInvalidOption
	}
	if step.Status == models.StepStatusResolved {
		return nil, false, models.ErrStepClosed
	}

	var existing int64
	if err := tx.Model(&models.Vote{}).
		Where("campaign_step_id = ? AND user_id = ?", step.ID, userID).
		Count(&existing).Error; err != nil {
		return nil, false, err
	}
	if existing > 0 {
		return nil, false, models.ErrAlreadyVoted
	}

	seq, err := nextVoteSeq(tx, step.CampaignID)
	if err != nil {
		return nil, false, err
	}
	v := &models.Vote{
		ID:               uuid.NewString(),
		CampaignStepID:   step.ID,
		UserID:           userID,
		CampaignUserID:   member.ID,
		CampaignID:       step.CampaignID,
		SelectedOptionID: optionID,
		Seq:              seq,
		CastAt:           now,
	}
	if err := tx.Create(v).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, false, models.ErrAlreadyVoted
		}
		return nil, false, err
	}

	reactivated := false
	if step.Status == models.StepStatusPending {
		res := tx.Model(&models.CampaignStep{}).
			Where("id = ? AND status = ?", step.ID, models.StepStatusPending).
			Update("status", models.StepStatusVoting)
		if res.Error != nil {
			return nil, false, res.Error
		}
		if res.RowsAffected == 1 {
			reactivated = true
			if err := tx.Model(&models.CampaignProgress{}).
				Where("campaign_id = ?", step.CampaignID).
				Update("status", models.StepStatusVoting).Error; err != nil {
				return nil, false, err
			}
		}
	}

	if !reactivated {
		if err := tx.Model(&models.CampaignUser{}).Where("id = ?", member.ID).
			Update("total_votes", gorm.Expr("total_votes + ?", 1)).Error; err != nil {
			return nil, false, err
		}
	}
	return v, reactivated, nil
}

// nextVoteSeq bumps the campaign's vote counter under its row lock. The
// column update leaves updated_at alone so the stall check is unaffected.
func nextVoteSeq(tx *gorm.DB, campaignID string) (int64, error) {
	var prog models.CampaignProgress
	if err := forUpdate(tx).Select("id", "votes_cast").Where("campaign_id = ?", campaignID).First(&prog).Error; err != nil {
		return 0, lookupErr(err, models.ErrCampaignNotFound)
	}
	seq := prog.VotesCast + 1
	if err := tx.Model(&models.CampaignProgress{}).Where("id = ?", prog.ID).
		UpdateColumn("votes_cast", seq).Error; err != nil {
		return 0, err
	}
	return seq, nil
}
