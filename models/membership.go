package models

import (
	"time"
)

// CampaignUser is a player's membership in one campaign.
type CampaignUser struct {
	ID                 string    `json:"id" gorm:"primaryKey"`
	CampaignID         string    `json:"campaign_id" gorm:"not null;uniqueIndex:idx_campaign_user"`
	UserID             string    `json:"user_id" gorm:"not null;uniqueIndex:idx_campaign_user;index"`
	DisplayName        string    `json:"display_name"`
	TotalVotes         int       `json:"total_votes" gorm:"default:0"`
	TotalContributions int       `json:"total_contributions" gorm:"default:0"`
	CreatedAt          time.Time `json:"joined_at" gorm:"autoCreateTime"`
	UpdatedAt          time.Time `json:"last_active_at" gorm:"autoUpdateTime"`

	Campaign *Campaign `json:"campaign,omitempty" gorm:"foreignKey:CampaignID"`
}

// Vote is immutable once cast. Seq is taken from CampaignProgress.VotesCast
// and gives the cast order within a campaign.
type Vote struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	CampaignStepID   string    `json:"campaign_step_id" gorm:"not null;uniqueIndex:idx_step_user;index:idx_step_option"`
	UserID           string    `json:"user_id" gorm:"not null;uniqueIndex:idx_step_user"`
	CampaignUserID   string    `json:"campaign_user_id" gorm:"not null;index"`
	CampaignID       string    `json:"campaign_id" gorm:"not null;index"`
	SelectedOptionID int       `json:"selected_option_id" gorm:"not null;index:idx_step_option"`
	Seq              int64     `json:"seq" gorm:"not null;default:0"`
	CastAt           time.Time `json:"cast_at" gorm:"not null;precision:6"`
}

// Player mirrors display data for an external user; kept fresh by the profile sync worker.
type Player struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	ExternalUserID string    `json:"external_user_id" gorm:"uniqueIndex;not null"`
	DisplayName    string    `json:"display_name"`
	AvatarURL      *string   `json:"avatar_url,omitempty"`
	SyncedAt       time.Time `json:"synced_at"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
