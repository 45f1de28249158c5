package models

import (
	"time"
)

// Difficulty controls how far the score has to travel before a campaign ends.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// StepStatus is shared by CampaignStep and CampaignProgress (progress mirrors the latest step).
type StepStatus string

const (
	StepStatusVoting   StepStatus = "voting"
	StepStatusPending  StepStatus = "pending"  // window expired with zero votes
	StepStatusResolved StepStatus = "resolved" // terminal for the step
)

// EndingKind records which threshold finished the campaign.
type EndingKind string

const (
	EndingGood EndingKind = "good"
	EndingBad  EndingKind = "bad"
)

// VotingWindow is how long a freshly opened step accepts votes before the timer resolves it.
const VotingWindow = 60 * time.Second

// TargetScore maps difficulty to the score threshold used by the resolver.
var TargetScore = map[Difficulty]int{
	DifficultyEasy:   10,
	DifficultyMedium: 25,
	DifficultyHard:   50,
}

// TargetFor returns the target score for a difficulty.
func TargetFor(d Difficulty) (int, error) {
	t, ok := TargetScore[d]
	if !ok {
		return 0, ErrUnknownDifficulty
	}
	return t, nil
}

// Campaign is one collaborative story. Once finished it is never re-mutated,
// apart from recording where its transcript was archived.
type Campaign struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	Name       string     `json:"name" gorm:"not null"`
	Slug       string     `json:"slug" gorm:"index"`
	Theme      []string   `json:"theme" gorm:"type:text;serializer:json"`
	Difficulty Difficulty `json:"difficulty" gorm:"not null"`
	Background string     `json:"background" gorm:"type:text"`

	// 🏁 Ending
	EndingText *string     `json:"ending_text,omitempty" gorm:"type:text"`
	EndingKind *EndingKind `json:"ending_kind,omitempty"`
	IsFinished bool        `json:"is_finished" gorm:"default:false;index"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	ArchiveURL *string     `json:"archive_url,omitempty"`

	Progress *CampaignProgress `json:"progress,omitempty" gorm:"foreignKey:CampaignID"`

	Timestamps
}

// CampaignProgress is the hot per-campaign counter row (1:1 with Campaign).
type CampaignProgress struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	CampaignID   string     `json:"campaign_id" gorm:"uniqueIndex;not null"`
	TotalPlayers int        `json:"total_players" gorm:"default:0"`
	CurrentStep  int        `json:"current_step" gorm:"default:0"`
	TargetScore  int        `json:"target_score" gorm:"not null"`
	CurrentScore int        `json:"current_score" gorm:"default:0"`
	Status       StepStatus `json:"status" gorm:"not null"`
	VotesCast    int64      `json:"votes_cast" gorm:"default:0"`
	UpdatedAt    time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (CampaignProgress) TableName() string { return "campaign_progress" }

// StepOption is one choice within a step. ID is the display id (1..N after shuffling).
type StepOption struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
	Value int    `json:"value"`
}

// CampaignStep is one voting round.
type CampaignStep struct {
	ID           string       `json:"id" gorm:"primaryKey"`
	CampaignID   string       `json:"campaign_id" gorm:"not null;uniqueIndex:idx_campaign_step_number"`
	StepNumber   int          `json:"step_number" gorm:"not null;uniqueIndex:idx_campaign_step_number"`
	Plot         string       `json:"plot" gorm:"type:text"`
	Options      []StepOption `json:"options" gorm:"type:text;serializer:json"`
	Status       StepStatus   `json:"status" gorm:"not null;index"`
	VotingEndsAt time.Time    `json:"voting_ends_at" gorm:"index"`

	// Set once resolved
	SelectedOptionID *int       `json:"selected_option_id,omitempty"`
	SelectedValue    *int       `json:"selected_value,omitempty"`
	SelectedCount    *int       `json:"selected_count,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Option looks up an option by display id.
func (s *CampaignStep) Option(id int) (StepOption, bool) {
	for _, o := range s.Options {
		if o.ID == id {
			return o, true
		}
	}
	return StepOption{}, false
}

// IsOpen reports whether the step is still the campaign's open step.
func (s *CampaignStep) IsOpen() bool {
	return s.Status == StepStatusVoting || s.Status == StepStatusPending
}
