package models

import (
	"encoding/json"
	"fmt"
)

// TaskName identifies a deferred unit of work.
type TaskName string

const (
	TaskResolveStep      TaskName = "resolve_step"
	TaskGenerateNextStep TaskName = "generate_next_step"
	TaskGenerateEnding   TaskName = "generate_ending"
	TaskGenerateCampaign TaskName = "generate_campaign"
)

// Task is a message handed to the scheduler: a name plus a JSON payload.
type Task struct {
	Name    TaskName        `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ResolveStepPayload struct {
	StepID string `json:"step_id"`
}

type NextStepPayload struct {
	CampaignID string `json:"campaign_id"`
	StepNumber int    `json:"step_number"`
}

type EndingPayload struct {
	CampaignID string `json:"campaign_id"`
	Good       bool   `json:"good"`
}

// NewTask marshals payload into a Task. A nil payload yields an empty one.
func NewTask(name TaskName, payload any) (Task, error) {
	t := Task{Name: name}
	if payload == nil {
		return t, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	t.Payload = raw
	return t, nil
}

// Decode unmarshals the payload into dst.
func (t Task) Decode(dst any) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", t.Name)
	}
	if err := json.Unmarshal(t.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Name, err)
	}
	return nil
}
