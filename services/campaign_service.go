package services

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/orykevin/chef-pathbound/models"
)

// Scheduler runs a task after a delay. Delivery is at least once overall, so
// every handler re-checks state before mutating.
type Scheduler interface {
	ScheduleAfter(ctx context.Context, delay time.Duration, task models.Task) error
}

// StoryGenerator produces campaign content. Implementations retry internally
// a bounded number of times and then fail.
type StoryGenerator interface {
	GenerateOpening(ctx context.Context, req models.OpeningRequest) (models.Opening, error)
	GenerateNextStep(ctx context.Context, req models.NextStepRequest) (models.GeneratedStep, error)
	GenerateEnding(ctx context.Context, req models.EndingRequest) (models.Ending, error)
}

// Archiver stores the transcript of a finished campaign and returns its URL.
type Archiver interface {
	ArchiveTranscript(ctx context.Context, slug string, tr models.Transcript) (string, error)
}

// CampaignService owns the step lifecycle: opening steps, taking votes,
// resolving windows and reacting to generated content.
type CampaignService struct {
	DB        *gorm.DB
	Scheduler Scheduler
	Generator StoryGenerator
	Archiver  Archiver // optional
	Metrics   *Metrics // optional
	Log       zerolog.Logger

	VotingWindow time.Duration
	Shuffle      func([]models.StepOption)
	Now          func() time.Time

	tracer trace.Tracer
}

func NewCampaignService(db *gorm.DB, sched Scheduler, gen StoryGenerator, log zerolog.Logger) *CampaignService {
	return &CampaignService{
		DB:           db,
		Scheduler:    sched,
		Generator:    gen,
		Log:          log.With().Str("component", "campaigns").Logger(),
		VotingWindow: models.VotingWindow,
		Shuffle:      shuffleOptions,
		Now:          time.Now,
		tracer:       otel.Tracer("github.com/orykevin/chef-pathbound/services"),
	}
}

func shuffleOptions(opts []models.StepOption) {
	rand.Shuffle(len(opts), func(i, j int) { opts[i], opts[j] = opts[j], opts[i] })
}

func (s *CampaignService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *CampaignService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/orykevin/chef-pathbound/services")
	}
	return s.tracer.Start(ctx, name)
}

// endSpan records err on the span unless it is an expected domain outcome.
func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, models.ErrInvalidState) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// schedule enqueues a follow-up task. The caller's transaction has already
// committed, so a failure here is logged rather than rolled back; the step
// sweeper re-issues lost resolutions.
func (s *CampaignService) schedule(ctx context.Context, delay time.Duration, name models.TaskName, payload any) {
	task, err := models.NewTask(name, payload)
	if err == nil {
		err = s.Scheduler.ScheduleAfter(ctx, delay, task)
	}
	if err != nil {
		s.Log.Error().Err(err).Str("task", string(name)).Msg("[Scheduler] failed to schedule task")
	}
}

// isDuplicateKey matches unique violations across dialects; TranslateError
// covers postgres and mysql, the string match covers sqlite.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}
