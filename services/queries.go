package services

import (
	"context"
	"time"

	"github.com/orykevin/chef-pathbound/models"
)

// PublicOption is an option as players see it; the value stays hidden until
// the step is resolved.
type PublicOption struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
	Value *int   `json:"value,omitempty"`
}

type StepView struct {
	ID               string            `json:"id"`
	StepNumber       int               `json:"step_number"`
	Plot             string            `json:"plot"`
	Options          []PublicOption    `json:"options"`
	Status           models.StepStatus `json:"status"`
	VotingEndsAt     time.Time         `json:"voting_ends_at"`
	SelectedOptionID *int              `json:"selected_option_id,omitempty"`
	SelectedValue    *int              `json:"selected_value,omitempty"`
	SelectedCount    *int              `json:"selected_count,omitempty"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
}

// NewStepView hides option values while the step is open.
func NewStepView(st models.CampaignStep) StepView {
	v := StepView{
		ID:               st.ID,
		StepNumber:       st.StepNumber,
		Plot:             st.Plot,
		Status:           st.Status,
		VotingEndsAt:     st.VotingEndsAt,
		SelectedOptionID: st.SelectedOptionID,
		SelectedValue:    st.SelectedValue,
		SelectedCount:    st.SelectedCount,
		ResolvedAt:       st.ResolvedAt,
	}
	for _, o := range st.Options {
		po := PublicOption{ID: o.ID, Label: o.Label}
		if !st.IsOpen() {
			val := o.Value
			po.Value = &val
		}
		v.Options = append(v.Options, po)
	}
	return v
}

type CampaignView struct {
	models.Campaign
	CurrentStep *StepView `json:"current_step,omitempty"`
}

// ListCampaigns returns every campaign with its progress, newest first.
func (s *CampaignService) ListCampaigns(ctx context.Context, finished *bool) ([]models.Campaign, error) {
	q := s.DB.WithContext(ctx).Preload("Progress").Order("created_at DESC")
	if finished != nil {
		q = q.Where("is_finished = ?", *finished)
	}
	var out []models.Campaign
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// GetCampaign returns a campaign with its progress and its latest step.
func (s *CampaignService) GetCampaign(ctx context.Context, campaignID string) (*CampaignView, error) {
	var c models.Campaign
	if err := s.DB.WithContext(ctx).Preload("Progress").Where("id = ?", campaignID).First(&c).Error; err != nil {
		return nil, lookupErr(err, models.ErrCampaignNotFound)
	}
	view := &CampaignView{Campaign: c}

	var steps []models.CampaignStep
	if err := s.DB.WithContext(ctx).Where("campaign_id = ?", campaignID).
		Order("step_number DESC").Limit(1).Find(&steps).Error; err != nil {
		return nil, err
	}
	if len(steps) == 1 {
		sv := NewStepView(steps[0])
		view.CurrentStep = &sv
	}
	return view, nil
}

// ListSteps returns the step history of a campaign in order.
func (s *CampaignService) ListSteps(ctx context.Context, campaignID string) ([]StepView, error) {
	if err := s.campaignExists(ctx, campaignID); err != nil {
		return nil, err
	}
	var steps []models.CampaignStep
	if err := s.DB.WithContext(ctx).Where("campaign_id = ?", campaignID).
		Order("step_number ASC").Find(&steps).Error; err != nil {
		return nil, err
	}
	out := make([]StepView, 0, len(steps))
	for _, st := range steps {
		out = append(out, NewStepView(st))
	}
	return out, nil
}

// ListMembers returns a campaign's members, top contributors first.
func (s *CampaignService) ListMembers(ctx context.Context, campaignID string) ([]models.CampaignUser, error) {
	if err := s.campaignExists(ctx, campaignID); err != nil {
		return nil, err
	}
	var out []models.CampaignUser
	err := s.DB.WithContext(ctx).Where("campaign_id = ?", campaignID).
		Order("total_contributions DESC").Order("total_votes DESC").Order("created_at ASC").
		Find(&out).Error
	return out, err
}

type OptionCount struct {
	OptionID int    `json:"option_id"`
	Label    string `json:"label"`
	Votes    int64  `json:"votes"`
}

// StepVoteCounts returns per-option vote counts, one entry per option.
func (s *CampaignService) StepVoteCounts(ctx context.Context, stepID string) ([]OptionCount, error) {
	var step models.CampaignStep
	if err := s.DB.WithContext(ctx).Where("id = ?", stepID).First(&step).Error; err != nil {
		return nil, lookupErr(err, models.ErrStepNotFound)
	}

	var rows []struct {
		SelectedOptionID int
		Votes            int64
	}
	if err := s.DB.WithContext(ctx).Model(&models.Vote{}).
		Select("selected_option_id, COUNT(*) AS votes").
		Where("campaign_step_id = ?", stepID).
		Group("selected_option_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[int]int64, len(rows))
	for _, r := range rows {
		counts[r.SelectedOptionID] = r.Votes
	}

	out := make([]OptionCount, 0, len(step.Options))
	for _, o := range step.Options {
		out = append(out, OptionCount{OptionID: o.ID, Label: o.Label, Votes: counts[o.ID]})
	}
	return out, nil
}

// UserCampaigns returns the memberships of one user with their campaigns.
func (s *CampaignService) UserCampaigns(ctx context.Context, userID string) ([]models.CampaignUser, error) {
	var out []models.CampaignUser
	err := s.DB.WithContext(ctx).Preload("Campaign").Preload("Campaign.Progress").
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Find(&out).Error
	return out, err
}

type UserStats struct {
	UserID             string     `json:"user_id"`
	CampaignsJoined    int64      `json:"campaigns_joined"`
	CampaignsFinished  int64      `json:"campaigns_finished"`
	TotalVotes         int64      `json:"total_votes"`
	TotalContributions int64      `json:"total_contributions"`
	LastActiveAt       *time.Time `json:"last_active_at,omitempty"`
}

// GetUserStats aggregates a user's memberships.
func (s *CampaignService) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	var members []models.CampaignUser
	if err := s.DB.WithContext(ctx).Preload("Campaign").Where("user_id = ?", userID).Find(&members).Error; err != nil {
		return nil, err
	}
	st := &UserStats{UserID: userID}
	for _, m := range members {
		st.CampaignsJoined++
		st.TotalVotes += int64(m.TotalVotes)
		st.TotalContributions += int64(m.TotalContributions)
		if m.Campaign != nil && m.Campaign.IsFinished {
			st.CampaignsFinished++
		}
		if st.LastActiveAt == nil || m.UpdatedAt.After(*st.LastActiveAt) {
			t := m.UpdatedAt
			st.LastActiveAt = &t
		}
	}
	return st, nil
}

func (s *CampaignService) campaignExists(ctx context.Context, campaignID string) error {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", campaignID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return models.ErrCampaignNotFound
	}
	return nil
}

// OverdueSteps returns voting steps whose window ended before cutoff.
func (s *CampaignService) OverdueSteps(ctx context.Context, cutoff time.Time) ([]models.CampaignStep, error) {
	var out []models.CampaignStep
	err := s.DB.WithContext(ctx).
		Where("status = ? AND voting_ends_at < ?", models.StepStatusVoting, cutoff).
		Order("voting_ends_at ASC").
		Find(&out).Error
	return out, err
}

// StalledCampaigns returns unfinished campaigns whose last step resolved
// before cutoff without a follow-up step or ending.
func (s *CampaignService) StalledCampaigns(ctx context.Context, cutoff time.Time) ([]models.CampaignProgress, error) {
	var out []models.CampaignProgress
	err := s.DB.WithContext(ctx).
		Joins("JOIN campaigns ON campaigns.id = campaign_progress.campaign_id").
		Where("campaign_progress.status = ? AND campaign_progress.updated_at < ?", models.StepStatusResolved, cutoff).
		Where("campaigns.is_finished = ? AND campaigns.deleted_at IS NULL", false).
		Find(&out).Error
	return out, err
}
