package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/orykevin/chef-pathbound/models"
)

// OpenStep persists the next step of a campaign with a fresh voting window
// and schedules its timed resolution.
//
// stepNumber must directly follow progress.CurrentStep and no other step may be
// open; a re-delivered generation task therefore fails with ErrStepOutOfOrder
// instead of creating a second step.
func (s *CampaignService) OpenStep(ctx context.Context, campaignID string, stepNumber int, plot string, opts []models.StepOption) (step *models.CampaignStep, err error) {
	ctx, span := s.startSpan(ctx, "CampaignService.OpenStep")
	defer func() { endSpan(span, err) }()

	if err := models.ValidateOptions(opts); err != nil {
		return nil, err
	}

	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Campaign
		if err := tx.Where("id = ?", campaignID).First(&c).Error; err != nil {
			return lookupErr(err, models.ErrCampaignNotFound)
		}
		if c.IsFinished {
			return models.ErrCampaignFinished
		}

		var prog models.CampaignProgress
		if err := forUpdate(tx).Where("campaign_id = ?", campaignID).First(&prog).Error; err != nil {
			return lookupErr(err, models.ErrCampaignNotFound)
		}
		if stepNumber != prog.CurrentStep+1 {
			return fmt.Errorf("%w: campaign %s is at step %d, cannot open %d",
				models.ErrStepOutOfOrder, campaignID, prog.CurrentStep, stepNumber)
		}

		var open int64
		if err := tx.Model(&models.CampaignStep{}).
			Where("campaign_id = ? AND status IN ?", campaignID, []models.StepStatus{models.StepStatusVoting, models.StepStatusPending}).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: campaign %s already has an open step", models.ErrStepOutOfOrder, campaignID)
		}

		created, err := s.insertStep(tx, campaignID, stepNumber, plot, opts, now)
		if err != nil {
			return err
		}

		if err := tx.Model(&models.CampaignProgress{}).Where("id = ?", prog.ID).
			Updates(map[string]any{"current_step": stepNumber, "status": models.StepStatusVoting}).Error; err != nil {
			return err
		}
		step = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterStepOpened(ctx, step)
	return step, nil
}

// insertStep shuffles the options, numbers them 1..N in shuffled order and
// stores the step as voting.
func (s *CampaignService) insertStep(tx *gorm.DB, campaignID string, stepNumber int, plot string, opts []models.StepOption, now time.Time) (*models.CampaignStep, error) {
	shuffled := make([]models.StepOption, len(opts))
	copy(shuffled, opts)
	if s.Shuffle != nil {
		s.Shuffle(shuffled)
	}
	for i := range shuffled {
		shuffled[i].ID = i + 1
		shuffled[i].Label = strings.TrimSpace(shuffled[i].Label)
	}

	step := &models.CampaignStep{
		ID:           uuid.NewString(),
		CampaignID:   campaignID,
		StepNumber:   stepNumber,
		Plot:         strings.TrimSpace(plot),
		Options:      shuffled,
		Status:       models.StepStatusVoting,
		VotingEndsAt: now.Add(s.window()),
	}
	if err := tx.Create(step).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("%w: campaign %s step %d", models.ErrStepExists, campaignID, stepNumber)
		}
		return nil, err
	}
	return step, nil
}

func (s *CampaignService) window() time.Duration {
	if s.VotingWindow <= 0 {
		return models.VotingWindow
	}
	return s.VotingWindow
}

func (s *CampaignService) afterStepOpened(ctx context.Context, step *models.CampaignStep) {
	s.Metrics.stepOpened()
	s.schedule(ctx, s.window(), models.TaskResolveStep, models.ResolveStepPayload{StepID: step.ID})
	s.Log.Info().
		Str("campaign_id", step.CampaignID).
		Str("step_id", step.ID).
		Int("step_number", step.StepNumber).
		Time("voting_ends_at", step.VotingEndsAt).
		Msg("step opened")
}

// CreateCampaign stores a generated opening as a new campaign with its
// progress row and step 1, all in one transaction.
func (s *CampaignService) CreateCampaign(ctx context.Context, opening models.Opening) (campaign *models.Campaign, err error) {
	ctx, span := s.startSpan(ctx, "CampaignService.CreateCampaign")
	defer func() { endSpan(span, err) }()

	target, err := models.TargetFor(opening.Difficulty)
	if err != nil {
		return nil, err
	}
	opts := models.ToStepOptions(opening.Options)
	if err := models.ValidateOptions(opts); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(opening.Name)
	if name == "" {
		return nil, fmt.Errorf("campaign name is empty: %w", models.ErrValidationFailed)
	}

	now := s.now()
	c := &models.Campaign{
		ID:         uuid.NewString(),
		Name:       name,
		Slug:       slug.Make(name),
		Theme:      NormalizeTheme(opening.Theme),
		Difficulty: opening.Difficulty,
		Background: strings.TrimSpace(opening.Background),
	}

	var first *models.CampaignStep
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		prog := &models.CampaignProgress{
			ID:          uuid.NewString(),
			CampaignID:  c.ID,
			CurrentStep: 1,
			TargetScore: target,
			Status:      models.StepStatusVoting,
		}
		if err := tx.Create(prog).Error; err != nil {
			return err
		}
		step, err := s.insertStep(tx, c.ID, 1, opening.Plot, opts, now)
		if err != nil {
			return err
		}
		c.Progress = prog
		first = step
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info().Str("campaign_id", c.ID).Str("name", c.Name).Str("difficulty", string(c.Difficulty)).Msg("campaign created")
	s.afterStepOpened(ctx, first)
	return c, nil
}

// NormalizeTheme trims, de-duplicates (case-insensitively) and title-cases theme tags.
func NormalizeTheme(tags []string) []string {
	caser := cases.Title(language.English)
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.Join(strings.Fields(t), " ")
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, caser.String(t))
	}
	return out
}

// lookupErr maps a missing row to the given domain error.
func lookupErr(err, notFound error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	return err
}
