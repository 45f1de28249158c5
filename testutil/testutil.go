// Package testutil holds shared fixtures for package tests: an in-memory
// database, seed helpers and fakes for the scheduler and story generator.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/orykevin/chef-pathbound/models"
)

// SetupTestDB opens a fresh in-memory sqlite database with the full schema.
// Each call gets its own database, so tests can run in parallel.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate schema: %v", err)
	}
	return db
}

// Options returns a valid three-way option set with display ids already assigned.
func Options() []models.StepOption {
	return []models.StepOption{
		{ID: 1, Label: "Charge the gate", Value: 1},
		{ID: 2, Label: "Wait for nightfall", Value: 0},
		{ID: 3, Label: "Bribe the guard", Value: -1},
	}
}

// SeededCampaign is what SeedCampaign created.
type SeededCampaign struct {
	Campaign models.Campaign
	Progress models.CampaignProgress
	Step     models.CampaignStep
}

// SeedCampaign inserts a campaign with its progress row and one open step
// (step 1 in the given status) at the given score.
func SeedCampaign(t *testing.T, db *gorm.DB, difficulty models.Difficulty, score int, status models.StepStatus) SeededCampaign {
	t.Helper()

	target, err := models.TargetFor(difficulty)
	if err != nil {
		t.Fatalf("SeedCampaign: %v", err)
	}
	c := models.Campaign{
		ID:         uuid.NewString(),
		Name:       "The Salt Road",
		Slug:       "the-salt-road",
		Theme:      []string{"Desert", "Heist"},
		Difficulty: difficulty,
		Background: "A caravan crosses the dunes.",
	}
	p := models.CampaignProgress{
		ID:           uuid.NewString(),
		CampaignID:   c.ID,
		CurrentStep:  1,
		TargetScore:  target,
		CurrentScore: score,
		Status:       status,
	}
	s := models.CampaignStep{
		ID:           uuid.NewString(),
		CampaignID:   c.ID,
		StepNumber:   1,
		Plot:         "The gate is shut.",
		Options:      Options(),
		Status:       status,
		VotingEndsAt: time.Now().Add(models.VotingWindow),
	}
	for _, rec := range []any{&c, &p, &s} {
		if err := db.Create(rec).Error; err != nil {
			t.Fatalf("SeedCampaign: %v", err)
		}
	}
	return SeededCampaign{Campaign: c, Progress: p, Step: s}
}

// SeedMember joins userID to a campaign directly.
func SeedMember(t *testing.T, db *gorm.DB, campaignID, userID string) models.CampaignUser {
	t.Helper()

	m := models.CampaignUser{
		ID:          uuid.NewString(),
		CampaignID:  campaignID,
		UserID:      userID,
		DisplayName: userID,
	}
	if err := db.Create(&m).Error; err != nil {
		t.Fatalf("SeedMember: %v", err)
	}
	return m
}

// SeedVote records a vote directly, bypassing intake. Like intake, it takes
// the next sequence number from the campaign's vote counter.
func SeedVote(t *testing.T, db *gorm.DB, step models.CampaignStep, member models.CampaignUser, optionID int, castAt time.Time) models.Vote {
	t.Helper()

	var prog models.CampaignProgress
	if err := db.Where("campaign_id = ?", step.CampaignID).First(&prog).Error; err != nil {
		t.Fatalf("SeedVote: %v", err)
	}
	seq := prog.VotesCast + 1
	if err := db.Model(&models.CampaignProgress{}).Where("id = ?", prog.ID).UpdateColumn("votes_cast", seq).Error; err != nil {
		t.Fatalf("SeedVote: %v", err)
	}

	v := models.Vote{
		ID:               uuid.NewString(),
		CampaignStepID:   step.ID,
		UserID:           member.UserID,
		CampaignUserID:   member.ID,
		CampaignID:       step.CampaignID,
		SelectedOptionID: optionID,
		Seq:              seq,
		CastAt:           castAt,
	}
	if err := db.Create(&v).Error; err != nil {
		t.Fatalf("SeedVote: %v", err)
	}
	return v
}

// Reload re-reads a record by primary key.
func Reload[T any](t *testing.T, db *gorm.DB, id string) T {
	t.Helper()

	var out T
	if err := db.First(&out, "id = ?", id).Error; err != nil {
		t.Fatalf("Reload %T %s: %v", out, id, err)
	}
	return out
}
