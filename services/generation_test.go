package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/orykevin/chef-pathbound/models"
	"github.com/orykevin/chef-pathbound/testutil"
)

func TestJoinCampaign(t *testing.T) {
	f := newFixture(t)
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, 0, models.StepStatusVoting)
	if err := f.db.Create(&models.Player{ID: "p1", ExternalUserID: "bob", DisplayName: "Bob the Brave"}).Error; err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	alice, err := f.svc.JoinCampaign(ctx, seeded.Campaign.ID, "alice", " Alice ")
	if err != nil {
		t.Fatalf("JoinCampaign alice: %v", err)
	}
	if alice.DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice", alice.DisplayName)
	}
	bob, err := f.svc.JoinCampaign(ctx, seeded.Campaign.ID, "bob", "")
	if err != nil {
		t.Fatalf("JoinCampaign bob: %v", err)
	}
	if bob.DisplayName != "Bob the Brave" {
		t.Errorf("display name = %q, want the synced profile name", bob.DisplayName)
	}

	if _, err := f.svc.JoinCampaign(ctx, seeded.Campaign.ID, "alice", "again"); !errors.Is(err, models.ErrAlreadyJoined) {
		t.Errorf("rejoin err = %v, want ErrAlreadyJoined", err)
	}
	if _, err := f.svc.JoinCampaign(ctx, "missing", "carol", ""); !errors.Is(err, models.ErrCampaignNotFound) {
		t.Errorf("unknown campaign err = %v, want ErrCampaignNotFound", err)
	}

	prog := testutil.Reload[models.CampaignProgress](t, f.db, seeded.Progress.ID)
	if prog.TotalPlayers != 2 {
		t.Errorf("total players = %d, want 2", prog.TotalPlayers)
	}

	if err := f.db.Model(&models.Campaign{}).Where("id = ?", seeded.Campaign.ID).Update("is_finished", true).Error; err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.JoinCampaign(ctx, seeded.Campaign.ID, "carol", ""); !errors.Is(err, models.ErrCampaignFinished) {
		t.Errorf("finished campaign err = %v, want ErrCampaignFinished", err)
	}
}

func TestGenerateNextStepHandler(t *testing.T) {
	f := newFixture(t)
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, 2, models.StepStatusVoting)
	member := testutil.SeedMember(t, f.db, seeded.Campaign.ID, "alice")
	testutil.SeedVote(t, f.db, seeded.Step, member, 1, seeded.Step.CreatedAt)
	ctx := context.Background()

	if _, err := f.svc.ResolveStep(ctx, seeded.Step.ID); err != nil {
		t.Fatalf("ResolveStep: %v", err)
	}
	tasks := f.sched.Drain()
	if len(tasks) != 1 || tasks[0].Task.Name != models.TaskGenerateNextStep {
		t.Fatalf("scheduled %+v, want generate_next_step", tasks)
	}

	handlers := f.svc.TaskHandlers()
	if err := handlers[models.TaskGenerateNextStep](ctx, tasks[0].Task); err != nil {
		t.Fatalf("generate_next_step: %v", err)
	}

	if len(f.gen.NextStepRequests) != 1 {
		t.Fatalf("generator called %d times, want 1", len(f.gen.NextStepRequests))
	}
	req := f.gen.NextStepRequests[0]
	if req.Score != (models.ScoreState{Current: 3, Target: 10}) {
		t.Errorf("score in request = %+v, want 3/10", req.Score)
	}
	if len(req.PriorSteps) != 1 || req.PriorSteps[0].ChosenLabel != "Charge the gate" || req.PriorSteps[0].SelectedCount != 1 {
		t.Errorf("prior steps = %+v", req.PriorSteps)
	}

	prog := testutil.Reload[models.CampaignProgress](t, f.db, seeded.Progress.ID)
	if prog.CurrentStep != 2 || prog.Status != models.StepStatusVoting {
		t.Errorf("progress = step %d %s, want step 2 voting", prog.CurrentStep, prog.Status)
	}

	// re-delivery of the same task is absorbed
	if err := handlers[models.TaskGenerateNextStep](ctx, tasks[0].Task); err != nil {
		t.Fatalf("redelivered generate_next_step: %v", err)
	}
	var n int64
	f.db.Model(&models.CampaignStep{}).Where("campaign_id = ?", seeded.Campaign.ID).Count(&n)
	if n != 2 {
		t.Errorf("campaign has %d steps, want 2", n)
	}
	if len(f.gen.NextStepRequests) != 1 {
		t.Errorf("redelivery called the generator again")
	}
}

func TestGenerationFailureLeavesCampaignResolved(t *testing.T) {
	f := newFixture(t)
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, 0, models.StepStatusVoting)
	resolveSeededStep(t, f, seeded)
	f.gen.Fail = true

	task, err := models.NewTask(models.TaskGenerateNextStep, models.NextStepPayload{CampaignID: seeded.Campaign.ID, StepNumber: 2})
	if err != nil {
		t.Fatal(err)
	}
	err = f.svc.TaskHandlers()[models.TaskGenerateNextStep](context.Background(), task)
	if !errors.Is(err, models.ErrUpstreamGenerationFailed) || !errors.Is(err, testutil.ErrGenerator) {
		t.Fatalf("err = %v, want ErrUpstreamGenerationFailed wrapping the cause", err)
	}
	if got := promtest.ToFloat64(f.svc.Metrics.GenerationFailed.WithLabelValues(string(models.TaskGenerateNextStep))); got != 1 {
		t.Errorf("generation failure metric = %v, want 1", got)
	}

	prog := testutil.Reload[models.CampaignProgress](t, f.db, seeded.Progress.ID)
	if prog.Status != models.StepStatusResolved || prog.CurrentStep != 1 {
		t.Errorf("progress = step %d %s, want step 1 resolved", prog.CurrentStep, prog.Status)
	}

	// an operator resume re-issues the missing task
	name, err := f.svc.ResumeCampaign(context.Background(), seeded.Campaign.ID)
	if err != nil {
		t.Fatalf("ResumeCampaign: %v", err)
	}
	if name != models.TaskGenerateNextStep || len(f.sched.Named(models.TaskGenerateNextStep)) != 1 {
		t.Errorf("resume scheduled %q, tasks %+v", name, f.sched.Tasks())
	}
}

func TestResumeCampaign(t *testing.T) {
	tests := []struct {
		name     string
		score    int
		status   models.StepStatus
		wantTask models.TaskName
		wantErr  error
	}{
		{name: "continue", score: 3, status: models.StepStatusResolved, wantTask: models.TaskGenerateNextStep},
		{name: "good ending missed", score: 10, status: models.StepStatusResolved, wantTask: models.TaskGenerateEnding},
		{name: "bad ending missed", score: -10, status: models.StepStatusResolved, wantTask: models.TaskGenerateEnding},
		{name: "open step", score: 0, status: models.StepStatusVoting, wantErr: models.ErrStepOutOfOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, tt.score, tt.status)

			got, err := f.svc.ResumeCampaign(context.Background(), seeded.Campaign.ID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResumeCampaign: %v", err)
			}
			if got != tt.wantTask {
				t.Errorf("task = %s, want %s", got, tt.wantTask)
			}
		})
	}
}

func TestGenerateEndingHandlerFinishesAndArchives(t *testing.T) {
	f := newFixture(t)
	archiver := &testutil.FakeArchiver{}
	f.svc.Archiver = archiver
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, -10, models.StepStatusVoting)
	resolveSeededStep(t, f, seeded)

	task, err := models.NewTask(models.TaskGenerateEnding, models.EndingPayload{CampaignID: seeded.Campaign.ID, Good: false})
	if err != nil {
		t.Fatal(err)
	}
	handler := f.svc.TaskHandlers()[models.TaskGenerateEnding]
	if err := handler(context.Background(), task); err != nil {
		t.Fatalf("generate_ending: %v", err)
	}

	c := testutil.Reload[models.Campaign](t, f.db, seeded.Campaign.ID)
	if !c.IsFinished || c.FinishedAt == nil {
		t.Fatalf("campaign not finished: %+v", c)
	}
	if c.EndingKind == nil || *c.EndingKind != models.EndingBad {
		t.Errorf("ending kind = %v, want bad", c.EndingKind)
	}
	if c.EndingText == nil || *c.EndingText != f.gen.Ending {
		t.Errorf("ending text = %v", c.EndingText)
	}
	if len(f.gen.EndingRequests) != 1 || f.gen.EndingRequests[0].Good {
		t.Errorf("ending requests = %+v, want one bad ending", f.gen.EndingRequests)
	}

	if len(archiver.Transcripts) != 1 {
		t.Fatalf("archived %d transcripts, want 1", len(archiver.Transcripts))
	}
	tr := archiver.Transcripts[0]
	if tr.FinalScore != -10 || tr.EndingKind != models.EndingBad || len(tr.Steps) != 1 {
		t.Errorf("transcript = %+v", tr)
	}
	if c.ArchiveURL == nil || !strings.HasSuffix(*c.ArchiveURL, seeded.Campaign.ID+".json") {
		t.Errorf("archive url = %v", c.ArchiveURL)
	}
	if got := promtest.ToFloat64(f.svc.Metrics.CampaignsEnded.WithLabelValues(string(models.EndingBad))); got != 1 {
		t.Errorf("campaigns ended metric = %v, want 1", got)
	}

	// a second ending is rejected and nothing changes
	if err := handler(context.Background(), task); !errors.Is(err, models.ErrCampaignFinished) {
		t.Errorf("second ending err = %v, want ErrCampaignFinished", err)
	}
}

func TestFinishCampaign_ArchiveFailureKeepsCampaignFinished(t *testing.T) {
	f := newFixture(t)
	f.svc.Archiver = &testutil.FakeArchiver{Err: errors.New("bucket unreachable")}
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, 10, models.StepStatusResolved)

	c, err := f.svc.FinishCampaign(context.Background(), seeded.Campaign.ID, "They made it.", models.EndingGood)
	if err != nil {
		t.Fatalf("FinishCampaign: %v", err)
	}
	if !c.IsFinished || c.ArchiveURL != nil {
		t.Errorf("campaign = finished %v archive %v, want finished without archive", c.IsFinished, c.ArchiveURL)
	}
	if _, err := f.svc.FinishCampaign(context.Background(), seeded.Campaign.ID, "again", models.EndingBad); !errors.Is(err, models.ErrCampaignFinished) {
		t.Errorf("second finish err = %v, want ErrCampaignFinished", err)
	}
	reloaded := testutil.Reload[models.Campaign](t, f.db, seeded.Campaign.ID)
	if reloaded.EndingKind == nil || *reloaded.EndingKind != models.EndingGood {
		t.Errorf("ending kind changed to %v", reloaded.EndingKind)
	}
}

func TestGenerateCampaignHandler(t *testing.T) {
	f := newFixture(t)
	testutil.SeedCampaign(t, f.db, models.DifficultyEasy, 0, models.StepStatusVoting)

	task, err := models.NewTask(models.TaskGenerateCampaign, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.TaskHandlers()[models.TaskGenerateCampaign](context.Background(), task); err != nil {
		t.Fatalf("generate_campaign: %v", err)
	}

	if len(f.gen.OpeningRequests) != 1 {
		t.Fatalf("generator called %d times", len(f.gen.OpeningRequests))
	}
	recent := f.gen.OpeningRequests[0].RecentCampaigns
	if len(recent) != 1 || !strings.HasPrefix(recent[0], "The Salt Road: ") {
		t.Errorf("recent campaigns = %v", recent)
	}
	var n int64
	f.db.Model(&models.Campaign{}).Count(&n)
	if n != 2 {
		t.Errorf("%d campaigns, want 2", n)
	}
}

func TestGenerateCampaign_DifficultyOverride(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.GenerateCampaign(context.Background(), models.OpeningRequest{Difficulty: models.DifficultyHard})
	if err != nil {
		t.Fatalf("GenerateCampaign: %v", err)
	}
	if c.Difficulty != models.DifficultyHard || c.Progress.TargetScore != 50 {
		t.Errorf("difficulty = %s target = %d, want hard/50", c.Difficulty, c.Progress.TargetScore)
	}

	f.gen.Fail = true
	if _, err := f.svc.GenerateCampaign(context.Background(), models.OpeningRequest{}); !errors.Is(err, models.ErrUpstreamGenerationFailed) {
		t.Errorf("err = %v, want ErrUpstreamGenerationFailed", err)
	}
}
