package models

import "time"

// Transcript is the archived record of a finished campaign.
type Transcript struct {
	CampaignID   string           `json:"campaign_id"`
	Name         string           `json:"name"`
	Theme        []string         `json:"theme"`
	Difficulty   Difficulty       `json:"difficulty"`
	Background   string           `json:"background"`
	TargetScore  int              `json:"target_score"`
	FinalScore   int              `json:"final_score"`
	TotalPlayers int              `json:"total_players"`
	Steps        []TranscriptStep `json:"steps"`
	EndingKind   EndingKind       `json:"ending_kind"`
	EndingText   string           `json:"ending_text"`
	FinishedAt   time.Time        `json:"finished_at"`
}

type TranscriptStep struct {
	StepNumber     int          `json:"step_number"`
	Plot           string       `json:"plot"`
	Options        []StepOption `json:"options"`
	SelectedOption *int         `json:"selected_option_id,omitempty"`
	SelectedCount  *int         `json:"selected_count,omitempty"`
}
