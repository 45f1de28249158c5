package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orykevin/chef-pathbound/models"
)

// JoinCampaign makes userID a member of an unfinished campaign. An empty
// displayName falls back to the mirrored player profile.
func (s *CampaignService) JoinCampaign(ctx context.Context, campaignID, userID, displayName string) (member *models.CampaignUser, err error) {
	ctx, span := s.startSpan(ctx, "CampaignService.JoinCampaign")
	defer func() { endSpan(span, err) }()

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Campaign
		if err := tx.Where("id = ?", campaignID).First(&c).Error; err != nil {
			return lookupErr(err, models.ErrCampaignNotFound)
		}
		if c.IsFinished {
			return models.ErrCampaignFinished
		}

		var existing int64
		if err := tx.Model(&models.CampaignUser{}).
			Where("campaign_id = ? AND user_id = ?", campaignID, userID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return models.ErrAlreadyJoined
		}

		name := strings.TrimSpace(displayName)
		if name == "" {
			var p models.Player
			if err := tx.Where("external_user_id = ?", userID).First(&p).Error; err == nil {
				name = p.DisplayName
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		m := &models.CampaignUser{
			ID:          uuid.NewString(),
			CampaignID:  campaignID,
			UserID:      userID,
			DisplayName: name,
		}
		if err := tx.Create(m).Error; err != nil {
			if isDuplicateKey(err) {
				return models.ErrAlreadyJoined
			}
			return err
		}
		if err := tx.Model(&models.CampaignProgress{}).Where("campaign_id = ?", campaignID).
			Update("total_players", gorm.Expr("total_players + ?", 1)).Error; err != nil {
			return err
		}
		member = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info().Str("campaign_id", campaignID).Str("user_id", userID).Msg("player joined campaign")
	return member, nil
}
