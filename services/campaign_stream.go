package services

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/orykevin/chef-pathbound/models"
)

// StreamPollInterval is how often the progress stream checks for changes.
var StreamPollInterval = 2 * time.Second

// ProgressEvent is one `progress` event on the campaign stream.
type ProgressEvent struct {
	CampaignID  string                  `json:"campaign_id"`
	IsFinished  bool                    `json:"is_finished"`
	Progress    models.CampaignProgress `json:"progress"`
	CurrentStep *StepView               `json:"current_step,omitempty"`
}

func (e ProgressEvent) fingerprint() string {
	fp := fmt.Sprintf("%t|%d|%d|%s|%d", e.IsFinished, e.Progress.CurrentStep, e.Progress.CurrentScore, e.Progress.Status, e.Progress.TotalPlayers)
	if e.CurrentStep != nil {
		fp += "|" + e.CurrentStep.ID + "|" + string(e.CurrentStep.Status)
	}
	return fp
}

// ProgressSnapshot reads the current state pushed to stream clients.
func (s *CampaignService) ProgressSnapshot(ctx context.Context, campaignID string) (ProgressEvent, error) {
	view, err := s.GetCampaign(ctx, campaignID)
	if err != nil {
		return ProgressEvent{}, err
	}
	ev := ProgressEvent{CampaignID: campaignID, IsFinished: view.IsFinished, CurrentStep: view.CurrentStep}
	if view.Progress != nil {
		ev.Progress = *view.Progress
	}
	return ev, nil
}

// StreamCampaignSSE streams `progress` events whenever the campaign's
// progress or latest step changes. Ends after the campaign finishes.
func (s *CampaignService) StreamCampaignSSE(c *fiber.Ctx) error {
	campaignID := c.Params("id")
	first, err := s.ProgressSnapshot(c.UserContext(), campaignID)
	if err != nil {
		return err
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	log := s.Log.With().Str("campaign_id", campaignID).Logger()
	reqCtx := c.Context()

	reqCtx.SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(StreamPollInterval)
		defer ticker.Stop()

		send := func(ev ProgressEvent) bool {
			payload, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
			return w.Flush() == nil
		}

		last := first.fingerprint()
		if !send(first) || first.IsFinished {
			return
		}

		for {
			select {
			case <-ticker.C:
				ev, err := s.ProgressSnapshot(context.Background(), campaignID)
				if err != nil {
					log.Warn().Err(err).Msg("[SSE] snapshot failed")
					continue
				}
				fp := ev.fingerprint()
				if fp == last {
					// keepalive comment; a failed flush means the client left
					if _, err := w.WriteString(":\n\n"); err != nil || w.Flush() != nil {
						return
					}
					continue
				}
				last = fp
				if !send(ev) || ev.IsFinished {
					return
				}
			case <-reqCtx.Done():
				return
			}
		}
	})
	return nil
}
