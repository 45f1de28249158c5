package models

// Structured records exchanged with the story generator.

type GeneratedOption struct {
	Label string `json:"label"`
	Value int    `json:"value"`
}

type Opening struct {
	Name       string            `json:"name"`
	Theme      []string          `json:"theme"`
	Difficulty Difficulty        `json:"difficulty"`
	Background string            `json:"background"`
	Plot       string            `json:"plot"`
	Options    []GeneratedOption `json:"options"`
}

type GeneratedStep struct {
	Plot    string            `json:"plot"`
	Options []GeneratedOption `json:"options"`
}

type Ending struct {
	Text string `json:"ending"`
}

// StoryContext is the fixed part of a campaign every prompt needs.
type StoryContext struct {
	Name       string     `json:"name"`
	Theme      []string   `json:"theme"`
	Difficulty Difficulty `json:"difficulty"`
	Background string     `json:"background"`
}

type ScoreState struct {
	Current int `json:"current"`
	Target  int `json:"target"`
}

// PriorStep is one resolved step as the generator sees it.
type PriorStep struct {
	StepNumber    int    `json:"step_number"`
	Plot          string `json:"plot"`
	ChosenLabel   string `json:"chosen_label"`
	ChosenValue   int    `json:"chosen_value"`
	SelectedCount int    `json:"selected_count"`
}

type OpeningRequest struct {
	Theme           []string
	Difficulty      Difficulty
	RecentCampaigns []string
}

type NextStepRequest struct {
	Context    StoryContext
	Score      ScoreState
	PriorSteps []PriorStep
}

type EndingRequest struct {
	Context    StoryContext
	PriorSteps []PriorStep
	Good       bool
}

// ToStepOptions converts generated options into unnumbered step options.
func ToStepOptions(in []GeneratedOption) []StepOption {
	out := make([]StepOption, len(in))
	for i, o := range in {
		out[i] = StepOption{Label: o.Label, Value: o.Value}
	}
	return out
}

// ContextOf builds the generator context for a campaign.
func ContextOf(c *Campaign) StoryContext {
	return StoryContext{
		Name:       c.Name,
		Theme:      c.Theme,
		Difficulty: c.Difficulty,
		Background: c.Background,
	}
}
