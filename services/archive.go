package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gosimple/slug"

	"github.com/orykevin/chef-pathbound/models"
	"github.com/orykevin/chef-pathbound/utils"
)

// BucketArchive uploads transcripts as JSON objects to a bucket.
type BucketArchive struct {
	Bucket *utils.Bucket
}

func NewBucketArchive(b *utils.Bucket) *BucketArchive {
	return &BucketArchive{Bucket: b}
}

// TranscriptKey is the object key for a campaign transcript.
func TranscriptKey(campaignSlug, campaignID string) string {
	if campaignSlug == "" {
		campaignSlug = "campaign"
	}
	return fmt.Sprintf("campaigns/%s-%s.json", slug.Make(campaignSlug), campaignID)
}

func (a *BucketArchive) ArchiveTranscript(ctx context.Context, campaignSlug string, tr models.Transcript) (string, error) {
	body, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	return a.Bucket.Put(ctx, TranscriptKey(campaignSlug, tr.CampaignID), body, "application/json")
}

// BuildTranscript assembles the archived record of a campaign.
func (s *CampaignService) BuildTranscript(ctx context.Context, c *models.Campaign) (models.Transcript, error) {
	var prog models.CampaignProgress
	if err := s.DB.WithContext(ctx).Where("campaign_id = ?", c.ID).First(&prog).Error; err != nil {
		return models.Transcript{}, lookupErr(err, models.ErrCampaignNotFound)
	}
	var steps []models.CampaignStep
	if err := s.DB.WithContext(ctx).Where("campaign_id = ?", c.ID).Order("step_number ASC").Find(&steps).Error; err != nil {
		return models.Transcript{}, err
	}

	tr := models.Transcript{
		CampaignID:   c.ID,
		Name:         c.Name,
		Theme:        c.Theme,
		Difficulty:   c.Difficulty,
		Background:   c.Background,
		TargetScore:  prog.TargetScore,
		FinalScore:   prog.CurrentScore,
		TotalPlayers: prog.TotalPlayers,
	}
	if c.EndingKind != nil {
		tr.EndingKind = *c.EndingKind
	}
	if c.EndingText != nil {
		tr.EndingText = *c.EndingText
	}
	if c.FinishedAt != nil {
		tr.FinishedAt = *c.FinishedAt
	}
	for _, st := range steps {
		tr.Steps = append(tr.Steps, models.TranscriptStep{
			StepNumber:     st.StepNumber,
			Plot:           st.Plot,
			Options:        st.Options,
			SelectedOption: st.SelectedOptionID,
			SelectedCount:  st.SelectedCount,
		})
	}
	return tr, nil
}

// archive uploads the transcript of a finished campaign and stores its URL.
// Failures are logged; the campaign stays finished either way.
func (s *CampaignService) archive(ctx context.Context, c *models.Campaign) {
	if s.Archiver == nil {
		return
	}
	log := s.Log.With().Str("campaign_id", c.ID).Logger()

	tr, err := s.BuildTranscript(ctx, c)
	if err != nil {
		log.Error().Err(err).Msg("[ARCHIVE] failed to build transcript")
		return
	}
	url, err := s.Archiver.ArchiveTranscript(ctx, c.Slug, tr)
	if err != nil {
		log.Error().Err(err).Msg("[ARCHIVE] upload failed")
		return
	}
	if err := s.DB.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", c.ID).
		Update("archive_url", url).Error; err != nil {
		log.Error().Err(err).Msg("[ARCHIVE] failed to record archive url")
		return
	}
	c.ArchiveURL = &url
	log.Info().Str("url", url).Msg("[ARCHIVE] transcript stored")
}
