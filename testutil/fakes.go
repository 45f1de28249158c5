package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/orykevin/chef-pathbound/models"
)

// ScheduledTask is one call recorded by FakeScheduler.
type ScheduledTask struct {
	Delay time.Duration
	Task  models.Task
}

// FakeScheduler records tasks instead of running them.
type FakeScheduler struct {
	mu    sync.Mutex
	tasks []ScheduledTask
	Err   error
}

func (f *FakeScheduler) ScheduleAfter(_ context.Context, delay time.Duration, task models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.tasks = append(f.tasks, ScheduledTask{Delay: delay, Task: task})
	return nil
}

// Tasks returns a copy of everything scheduled so far.
func (f *FakeScheduler) Tasks() []ScheduledTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ScheduledTask(nil), f.tasks...)
}

// Named returns the scheduled tasks with the given name.
func (f *FakeScheduler) Named(name models.TaskName) []ScheduledTask {
	var out []ScheduledTask
	for _, st := range f.Tasks() {
		if st.Task.Name == name {
			out = append(out, st)
		}
	}
	return out
}

// Drain returns and forgets everything scheduled so far.
func (f *FakeScheduler) Drain() []ScheduledTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.tasks
	f.tasks = nil
	return out
}

// ErrGenerator is what FakeGenerator returns when told to fail.
var ErrGenerator = errors.New("generator unavailable")

// FakeGenerator returns canned story content and records requests.
type FakeGenerator struct {
	mu sync.Mutex

	Opening models.Opening
	Step    models.GeneratedStep
	Ending  string
	Fail    bool

	OpeningRequests  []models.OpeningRequest
	NextStepRequests []models.NextStepRequest
	EndingRequests   []models.EndingRequest
}

// NewFakeGenerator returns a generator with valid content for every call.
func NewFakeGenerator() *FakeGenerator {
	opts := []models.GeneratedOption{
		{Label: "Climb the wall", Value: 1},
		{Label: "Look around", Value: 0},
		{Label: "Turn back", Value: -1},
	}
	return &FakeGenerator{
		Opening: models.Opening{
			Name:       "The Glass Tower",
			Theme:      []string{"fantasy", "mystery"},
			Difficulty: models.DifficultyEasy,
			Background: "A tower of glass rises overnight.",
			Plot:       "You stand at its door.",
			Options:    opts,
		},
		Step:   models.GeneratedStep{Plot: "The stairs split.", Options: opts},
		Ending: "And so it ended.",
	}
}

func (f *FakeGenerator) GenerateOpening(_ context.Context, req models.OpeningRequest) (models.Opening, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpeningRequests = append(f.OpeningRequests, req)
	if f.Fail {
		return models.Opening{}, ErrGenerator
	}
	return f.Opening, nil
}

func (f *FakeGenerator) GenerateNextStep(_ context.Context, req models.NextStepRequest) (models.GeneratedStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NextStepRequests = append(f.NextStepRequests, req)
	if f.Fail {
		return models.GeneratedStep{}, ErrGenerator
	}
	return f.Step, nil
}

func (f *FakeGenerator) GenerateEnding(_ context.Context, req models.EndingRequest) (models.Ending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EndingRequests = append(f.EndingRequests, req)
	if f.Fail {
		return models.Ending{}, ErrGenerator
	}
	return models.Ending{Text: f.Ending}, nil
}

// FakeArchiver records archived transcripts.
type FakeArchiver struct {
	mu          sync.Mutex
	Transcripts []models.Transcript
	Err         error
}

func (f *FakeArchiver) ArchiveTranscript(_ context.Context, slug string, tr models.Transcript) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.Transcripts = append(f.Transcripts, tr)
	return "https://archive.test/campaigns/" + slug + "-" + tr.CampaignID + ".json", nil
}
