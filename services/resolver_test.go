package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/orykevin/chef-pathbound/models"
	"github.com/orykevin/chef-pathbound/testutil"
)

// seedVotes joins one member per option id and casts their votes one second apart.
func seedVotes(t *testing.T, f *fixture, seeded testutil.SeededCampaign, optionIDs ...int) []models.CampaignUser {
	t.Helper()
	base := time.Now().UTC().Add(-time.Minute)
	members := make([]models.CampaignUser, len(optionIDs))
	for i, id := range optionIDs {
		members[i] = testutil.SeedMember(t, f.db, seeded.Campaign.ID, fmt.Sprintf("user-%d", i))
		testutil.SeedVote(t, f.db, seeded.Step, members[i], id, base.Add(time.Duration(i)*time.Second))
	}
	return members
}

func TestResolveStep_NoVotesGoesPending(t *testing.T) {
	f := newFixture(t)
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, 3, models.StepStatusVoting)

	res, err := f.svc.ResolveStep(context.Background(), seeded.Step.ID)
	if err != nil {
		t.Fatalf("ResolveStep: %v", err)
	}
	if res.Outcome != OutcomePending {
		t.Errorf("outcome = %q, want %q", res.Outcome, OutcomePending)
	}

	step := testutil.Reload[models.CampaignStep](t, f.db, seeded.Step.ID)
	if step.Status != models.StepStatusPending {
		t.Errorf("step status = %q, want pending", step.Status)
	}
	if step.SelectedOptionID != nil {
		t.Errorf("pending step has a selected option")
	}
	prog := testutil.Reload[models.CampaignProgress](t, f.db, seeded.Progress.ID)
	if prog.Status != models.StepStatusPending || prog.CurrentScore != 3 {
		t.Errorf("progress = %s/%d, want pending/3", prog.Status, prog.CurrentScore)
	}
	if n := len(f.sched.Tasks()); n != 0 {
		t.Errorf("scheduled %d tasks for a pending step, want 0", n)
	}
	if got := promtest.ToFloat64(f.svc.Metrics.StepResolutions.WithLabelValues(OutcomePending)); got != 1 {
		t.Errorf("pending resolutions metric = %v, want 1", got)
	}
}

func TestResolveStep_WinnerUpdatesScoreAndContributions(t *testing.T) {
	f := newFixture(t)
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, 0, models.StepStatusVoting)
	members := seedVotes(t, f, seeded, 1, 1, 3)

	res, err := f.svc.ResolveStep(context.Background(), seeded.Step.ID)
	if err != nil {
		t.Fatalf("ResolveStep: %v", err)
	}
	if res.Outcome != OutcomeResolved || res.Winner.ID != 1 || res.Count != 2 || res.Score != 1 {
		t.Fatalf("resolution = %+v, want option 1 x2 at score 1", res)
	}
	if res.Verdict != models.VerdictContinue {
		t.Errorf("verdict = %s, want continue", res.Verdict)
	}

	step := testutil.Reload[models.CampaignStep](t, f.db, seeded.Step.ID)
	if step.Status != models.StepStatusResolved {
		t.Fatalf("step status = %q, want resolved", step.Status)
	}
	if step.SelectedOptionID == nil || *step.SelectedOptionID != 1 {
		t.Errorf("selected option = %v, want 1", step.SelectedOptionID)
	}
	if step.SelectedValue == nil || *step.SelectedValue != 1 {
		t.Errorf("selected value = %v, want 1", step.SelectedValue)
	}
	if step.SelectedCount == nil || *step.SelectedCount != 2 {
		t.Errorf("selected count = %v, want 2", step.SelectedCount)
	}
	if step.ResolvedAt == nil {
		t.Errorf("resolved_at not set")
	}

	prog := testutil.Reload[models.CampaignProgress](t, f.db, seeded.Progress.ID)
	if prog.CurrentScore != 1 || prog.Status != models.StepStatusResolved {
		t.Errorf("progress = %s/%d, want resolved/1", prog.Status, prog.CurrentScore)
	}

	wantContrib := []int{1, 1, 0}
	for i, m := range members {
		got := testutil.Reload[models.CampaignUser](t, f.db, m.ID)
		if got.TotalContributions != wantContrib[i] {
			t.Errorf("member %d contributions = %d, want %d", i, got.TotalContributions, wantContrib[i])
		}
	}

	next := f.sched.Named(models.TaskGenerateNextStep)
	if len(next) != 1 {
		t.Fatalf("scheduled %d next-step tasks, want 1", len(next))
	}
	var p models.NextStepPayload
	if err := next[0].Task.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.CampaignID != seeded.Campaign.ID || p.StepNumber != 2 {
		t.Errorf("next step payload = %+v, want step 2 of %s", p, seeded.Campaign.ID)
	}
}

func TestResolveStep_TieGoesToFirstVotedOption(t *testing.T) {
	f := newFixture(t)
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, 4, models.StepStatusVoting)
	// option 2 (value 0) is voted first, option 3 (value -1) catches up
	members := seedVotes(t, f, seeded, 2, 3, 3, 2)

	res, err := f.svc.ResolveStep(context.Background(), seeded.Step.ID)
	if err != nil {
		t.Fatalf("ResolveStep: %v", err)
	}
	if res.Winner.ID != 2 || res.Count != 2 {
		t.Fatalf("winner = option %d x%d, want option 2 x2", res.Winner.ID, res.Count)
	}
	if res.Score != 4 {
		t.Errorf("score = %d, want unchanged 4", res.Score)
	}
	for _, m := range members {
		got := testutil.Reload[models.CampaignUser](t, f.db, m.ID)
		if got.TotalContributions != 0 {
			t.Errorf("neutral winner changed contributions of %s to %d", m.UserID, got.TotalContributions)
		}
	}
}

func TestResolveStep_Endings(t *testing.T) {
	tests := []struct {
		name        string
		startScore  int
		optionID    int
		wantScore   int
		wantVerdict models.Verdict
		wantTask    models.TaskName
	}{
		{name: "reaching target is good", startScore: 9, optionID: 1, wantScore: 10, wantVerdict: models.VerdictGoodEnding, wantTask: models.TaskGenerateEnding},
		{name: "exactly minus target is bad", startScore: -9, optionID: 3, wantScore: -10, wantVerdict: models.VerdictBadEnding, wantTask: models.TaskGenerateEnding},
		{name: "below minus target continues", startScore: -10, optionID: 3, wantScore: -11, wantVerdict: models.VerdictContinue, wantTask: models.TaskGenerateNextStep},
		{name: "neutral near target continues", startScore: 9, optionID: 2, wantScore: 9, wantVerdict: models.VerdictContinue, wantTask: models.TaskGenerateNextStep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, tt.startScore, models.StepStatusVoting)
			seedVotes(t, f, seeded, tt.optionID)

			res, err := f.svc.ResolveStep(context.Background(), seeded.Step.ID)
			if err != nil {
				t.Fatalf("ResolveStep: %v", err)
			}
			if res.Score != tt.wantScore || res.Verdict != tt.wantVerdict {
				t.Errorf("score/verdict = %d/%s, want %d/%s", res.Score, res.Verdict, tt.wantScore, tt.wantVerdict)
			}
			tasks := f.sched.Tasks()
			if len(tasks) != 1 || tasks[0].Task.Name != tt.wantTask {
				t.Fatalf("scheduled %+v, want one %s", tasks, tt.wantTask)
			}
			if tt.wantTask == models.TaskGenerateEnding {
				var p models.EndingPayload
				if err := tasks[0].Task.Decode(&p); err != nil {
					t.Fatal(err)
				}
				if p.Good != (tt.wantVerdict == models.VerdictGoodEnding) {
					t.Errorf("ending payload good = %v for verdict %s", p.Good, tt.wantVerdict)
				}
			}
		})
	}
}

func TestResolveStep_OnlyVotingStepsAreTouched(t *testing.T) {
	for _, status := range []models.StepStatus{models.StepStatusPending, models.StepStatusResolved} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			seeded := testutil.SeedCampaign(t, f.db, models.DifficultyEasy, 2, status)
			seedVotes(t, f, seeded, 1)

			_, err := f.svc.ResolveStep(context.Background(), seeded.Step.ID)
			if !errors.Is(err, models.ErrStepNotVoting) || !errors.Is(err, models.ErrInvalidState) {
				t.Fatalf("err = %v, want ErrStepNotVoting", err)
			}

			step := testutil.Reload[models.CampaignStep](t, f.db, seeded.Step.ID)
			prog := testutil.Reload[models.CampaignProgress](t, f.db, seeded.Progress.ID)
			if step.Status != status || prog.CurrentScore != 2 {
				t.Errorf("state changed to %s/%d", step.Status, prog.CurrentScore)
			}
			if n := len(f.sched.Tasks()); n != 0 {
				t.Errorf("scheduled %d tasks, want 0", n)
			}
		})
	}
}

func TestResolveStep_SecondRunIsNoop(t *testing.T) {
	f := newFixture(t)
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyMedium, 0, models.StepStatusVoting)
	seedVotes(t, f, seeded, 1, 1)

	ctx := context.Background()
	if _, err := f.svc.ResolveStep(ctx, seeded.Step.ID); err != nil {
		t.Fatalf("first ResolveStep: %v", err)
	}
	if _, err := f.svc.ResolveStep(ctx, seeded.Step.ID); !errors.Is(err, models.ErrStepNotVoting) {
		t.Fatalf("second ResolveStep err = %v, want ErrStepNotVoting", err)
	}

	prog := testutil.Reload[models.CampaignProgress](t, f.db, seeded.Progress.ID)
	if prog.CurrentScore != 1 {
		t.Errorf("score = %d after double resolution, want 1", prog.CurrentScore)
	}
	if n := len(f.sched.Named(models.TaskGenerateNextStep)); n != 1 {
		t.Errorf("scheduled %d next-step tasks, want 1", n)
	}
}

func TestResolveStep_UnknownStep(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ResolveStep(context.Background(), "missing")
	if !errors.Is(err, models.ErrStepNotFound) {
		t.Fatalf("err = %v, want ErrStepNotFound", err)
	}
}

// The score always equals the sum of the values chosen by resolved steps.
func TestResolveStep_ScoreIsSumOfSelectedValues(t *testing.T) {
	f := newFixture(t)
	seeded := testutil.SeedCampaign(t, f.db, models.DifficultyHard, 0, models.StepStatusVoting)
	ctx := context.Background()
	members := []models.CampaignUser{
		testutil.SeedMember(t, f.db, seeded.Campaign.ID, "a"),
		testutil.SeedMember(t, f.db, seeded.Campaign.ID, "b"),
	}

	choices := []int{1, 1, 3, 2, 1, 3, 3, 1}
	step := seeded.Step
	for i, choice := range choices {
		if i > 0 {
			opened, err := f.svc.OpenStep(ctx, seeded.Campaign.ID, i+1, "next", testutil.Options())
			if err != nil {
				t.Fatalf("OpenStep %d: %v", i+1, err)
			}
			step = *opened
		}
		for _, m := range members {
			if _, err := f.svc.CastVote(ctx, step.ID, m.UserID, choice); err != nil {
				t.Fatalf("CastVote step %d: %v", i+1, err)
			}
		}
		if _, err := f.svc.ResolveStep(ctx, step.ID); err != nil {
			t.Fatalf("ResolveStep %d: %v", i+1, err)
		}
	}

	var steps []models.CampaignStep
	if err := f.db.Where("campaign_id = ?", seeded.Campaign.ID).Find(&steps).Error; err != nil {
		t.Fatal(err)
	}
	var sum int
	for _, st := range steps {
		if st.SelectedValue != nil {
			sum += *st.SelectedValue
		}
	}
	prog := testutil.Reload[models.CampaignProgress](t, f.db, seeded.Progress.ID)
	if prog.CurrentScore != sum || sum != 1 {
		t.Errorf("score = %d, sum of selected values = %d, want both 1", prog.CurrentScore, sum)
	}
	if prog.CurrentStep != len(choices) {
		t.Errorf("current step = %d, want %d", prog.CurrentStep, len(choices))
	}
}
