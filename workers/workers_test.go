package workers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/orykevin/chef-pathbound/models"
	"github.com/orykevin/chef-pathbound/services"
	"github.com/orykevin/chef-pathbound/testutil"
)

func TestStepSweeper_ReschedulesOverdueAndReportsStalled(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sched := &testutil.FakeScheduler{}
	svc := services.NewCampaignService(db, sched, testutil.NewFakeGenerator(), zerolog.Nop())
	metrics := services.NewMetrics(prometheus.NewRegistry())

	now := time.Now().UTC()
	overdue := testutil.SeedCampaign(t, db, models.DifficultyEasy, 0, models.StepStatusVoting)
	testutil.SeedCampaign(t, db, models.DifficultyEasy, 0, models.StepStatusPending)
	stalled := testutil.SeedCampaign(t, db, models.DifficultyEasy, 0, models.StepStatusResolved)

	if err := db.Model(&models.CampaignStep{}).Where("id = ?", overdue.Step.ID).
		Update("voting_ends_at", now.Add(-2*time.Minute)).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Model(&models.CampaignProgress{}).Where("id = ?", stalled.Progress.ID).
		UpdateColumn("updated_at", now.Add(-time.Hour)).Error; err != nil {
		t.Fatal(err)
	}

	sweeper := NewStepSweeper(svc, sched, metrics, time.Minute, 15*time.Second, 10*time.Minute, zerolog.Nop())
	sweeper.now = func() time.Time { return now }

	report, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Rescheduled != 1 || report.Stalled != 1 {
		t.Errorf("report = %+v, want 1 rescheduled and 1 stalled", report)
	}

	tasks := sched.Named(models.TaskResolveStep)
	if len(tasks) != 1 || tasks[0].Delay != 0 {
		t.Fatalf("scheduled %+v, want one immediate resolve_step", tasks)
	}
	var p models.ResolveStepPayload
	if err := tasks[0].Task.Decode(&p); err != nil || p.StepID != overdue.Step.ID {
		t.Errorf("payload = %+v (%v), want step %s", p, err, overdue.Step.ID)
	}
	if got := promtest.ToFloat64(metrics.StalledCampaigns); got != 1 {
		t.Errorf("stalled gauge = %v, want 1", got)
	}

	// the rescheduled resolution leaves nothing for the next pass
	if _, err := svc.ResolveStep(context.Background(), overdue.Step.ID); err != nil {
		t.Fatalf("ResolveStep: %v", err)
	}
	sched.Drain()
	report, err = sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if report.Rescheduled != 0 {
		t.Errorf("second pass rescheduled %d steps, want 0", report.Rescheduled)
	}
}

func TestStepSweeper_SchedulerFailureIsNotFatal(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sched := &testutil.FakeScheduler{Err: errors.New("scheduler closed")}
	svc := services.NewCampaignService(db, sched, testutil.NewFakeGenerator(), zerolog.Nop())

	seeded := testutil.SeedCampaign(t, db, models.DifficultyEasy, 0, models.StepStatusVoting)
	if err := db.Model(&models.CampaignStep{}).Where("id = ?", seeded.Step.ID).
		Update("voting_ends_at", time.Now().UTC().Add(-time.Hour)).Error; err != nil {
		t.Fatal(err)
	}

	sweeper := NewStepSweeper(svc, sched, nil, time.Minute, 0, time.Hour, zerolog.Nop())
	report, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Rescheduled != 0 {
		t.Errorf("rescheduled = %d, want 0 when the scheduler fails", report.Rescheduled)
	}
}

func TestProfileSyncWorker_UpsertsPlayers(t *testing.T) {
	db := testutil.SetupTestDB(t)
	first := "Grace"
	last := "Hopper"
	avatar := "https://cdn.test/grace.png"
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var gotSince, gotToken string
	users := []RemoteProfile{
		{ExternalID: "ext-1", Username: "grace", FirstName: &first, LastName: &last, ProfilePictureURL: &avatar, UpdatedAt: updated},
		{ExternalID: "ext-2", Username: "linus", UpdatedAt: updated},
		{ExternalID: "", Username: "ghost", UpdatedAt: updated},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/public/profiles" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotSince = r.URL.Query().Get("since")
		gotToken = r.Header.Get("X-Service-Token")
		_ = json.NewEncoder(w).Encode(map[string]any{"users": users})
	}))
	defer srv.Close()

	w := NewProfileSyncWorker(db, srv.URL, "svc-token", time.Minute, srv.Client(), zerolog.Nop())
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	n, err := w.SyncBatch(context.Background(), since)
	if err != nil {
		t.Fatalf("SyncBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("upserted %d, want 2", n)
	}
	if gotToken != "svc-token" || gotSince != since.Format(time.RFC3339) {
		t.Errorf("request token=%q since=%q", gotToken, gotSince)
	}

	var grace models.Player
	if err := db.Where("external_user_id = ?", "ext-1").First(&grace).Error; err != nil {
		t.Fatal(err)
	}
	if grace.DisplayName != "Grace Hopper" || grace.AvatarURL == nil || *grace.AvatarURL != avatar {
		t.Errorf("player = %+v", grace)
	}

	// a rename on the next batch updates the same row
	users = []RemoteProfile{{ExternalID: "ext-1", Username: "grace", UpdatedAt: updated.Add(time.Hour)}}
	if _, err := w.SyncBatch(context.Background(), w.lastSyncTime()); err != nil {
		t.Fatalf("second SyncBatch: %v", err)
	}
	var players []models.Player
	if err := db.Where("external_user_id = ?", "ext-1").Find(&players).Error; err != nil {
		t.Fatal(err)
	}
	if len(players) != 1 || players[0].DisplayName != "grace" {
		t.Errorf("players = %+v, want one renamed row", players)
	}
	if !w.lastSyncTime().Equal(updated.Add(time.Hour)) {
		t.Errorf("last sync = %v, want %v", w.lastSyncTime(), updated.Add(time.Hour))
	}
}

func TestProfileSyncWorker_ErrorStatus(t *testing.T) {
	db := testutil.SetupTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	w := NewProfileSyncWorker(db, srv.URL, "bad", time.Minute, srv.Client(), zerolog.Nop())
	if _, err := w.SyncBatch(context.Background(), time.Time{}); err == nil {
		t.Fatal("expected an error for a 403 response")
	}
}
