package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"github.com/orykevin/chef-pathbound/models"
	"github.com/orykevin/chef-pathbound/testutil"
)

// insertTwinFirst makes the next Create of a *T insert a copy of the row
// just before the real insert, the way a concurrent request that passed the
// same existence check would.
func insertTwinFirst[T any](t *testing.T, db *gorm.DB, rekey func(*T)) {
	t.Helper()

	done := false
	err := db.Callback().Create().Before("gorm:create").Register("test:insert_twin", func(tx *gorm.DB) {
		row, ok := tx.Statement.Dest.(*T)
		if !ok || done {
			return
		}
		done = true
		twin := *row
		rekey(&twin)
		if err := tx.Session(&gorm.Session{NewDB: true}).Create(&twin).Error; err != nil {
			t.Errorf("insert twin: %v", err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCastVote_UniqueIndexReportsAlreadyVoted(t *testing.T) {
	f := newFixture(t)
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, 0, models.StepStatusVoting)
	member := testutil.SeedMember(t, f.db, seeded.Campaign.ID, "alice")
	insertTwinFirst(t, f.db, func(v *models.Vote) { v.ID = uuid.NewString() })

	_, err := f.svc.CastVote(context.Background(), seeded.Step.ID, "alice", 1)
	if !errors.Is(err, models.ErrAlreadyVoted) {
		t.Fatalf("err = %v, want ErrAlreadyVoted", err)
	}
	if !errors.Is(err, models.ErrAlreadyExists) {
		t.Errorf("err = %v, want the AlreadyExists kind", err)
	}

	var n int64
	if err := f.db.Model(&models.Vote{}).Where("campaign_step_id = ?", seeded.Step.ID).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("stored %d votes, want the failed transaction rolled back", n)
	}
	if got := testutil.Reload[models.CampaignUser](t, f.db, member.ID); got.TotalVotes != 0 {
		t.Errorf("total votes = %d, want 0", got.TotalVotes)
	}
	if v := promtest.ToFloat64(f.svc.Metrics.Votes.WithLabelValues("rejected")); v != 1 {
		t.Errorf("rejected votes metric = %v, want 1", v)
	}
}

func TestJoinCampaign_UniqueIndexReportsAlreadyJoined(t *testing.T) {
	f := newFixture(t)
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, 0, models.StepStatusVoting)
	insertTwinFirst(t, f.db, func(m *models.CampaignUser) { m.ID = uuid.NewString() })

	_, err := f.svc.JoinCampaign(context.Background(), seeded.Campaign.ID, "alice", "Alice")
	if !errors.Is(err, models.ErrAlreadyJoined) {
		t.Fatalf("err = %v, want ErrAlreadyJoined", err)
	}

	prog := testutil.Reload[models.CampaignProgress](t, f.db, seeded.Progress.ID)
	if prog.TotalPlayers != seeded.Progress.TotalPlayers {
		t.Errorf("total players = %d, want %d", prog.TotalPlayers, seeded.Progress.TotalPlayers)
	}
}
