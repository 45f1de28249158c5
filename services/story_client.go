package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"

	"github.com/orykevin/chef-pathbound/config"
	"github.com/orykevin/chef-pathbound/models"
	"github.com/orykevin/chef-pathbound/utils"
)

// OpenAIStoryGenerator asks an OpenAI-compatible chat completions endpoint
// for story content as JSON. Each call is tried at most MaxTries times.
type OpenAIStoryGenerator struct {
	client   openai.Client
	model    string
	maxTries uint
	timeout  time.Duration
	backoff  func() backoff.BackOff
	log      zerolog.Logger
}

func NewOpenAIStoryGenerator(cfg config.StoryConfig, log zerolog.Logger) *OpenAIStoryGenerator {
	opts := []option.RequestOption{
		option.WithHTTPClient(utils.HTTPClient),
		// retries are ours, so the bound is exact
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	tries := cfg.MaxTries
	if tries == 0 {
		tries = 3
	}
	return &OpenAIStoryGenerator{
		client:   openai.NewClient(opts...),
		model:    cfg.Model,
		maxTries: tries,
		timeout:  cfg.Timeout,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = config.StoryRetryMaxWait
			return b
		},
		log: log.With().Str("component", "story").Logger(),
	}
}

const systemPrompt = `You write chapters for a collaborative choose-your-path story that a crowd votes on.
Answer with a single JSON object and nothing else.
Every step offers exactly 3 options. Each option has a "label" (one short sentence) and a "value":
1 moves the story toward a good ending, 0 is neutral, -1 moves it toward a bad ending.
The three options must use the values 1, 0 and -1 exactly once each, and the value must not be obvious from the label.`

func (g *OpenAIStoryGenerator) GenerateOpening(ctx context.Context, req models.OpeningRequest) (models.Opening, error) {
	var b strings.Builder
	b.WriteString("Start a new campaign.\n")
	if len(req.Theme) > 0 {
		fmt.Fprintf(&b, "Theme: %s.\n", strings.Join(req.Theme, ", "))
	} else {
		b.WriteString("Pick a theme or genre of 3-4 words yourself.\n")
	}
	if req.Difficulty != "" {
		fmt.Fprintf(&b, "Difficulty: %s.\n", req.Difficulty)
	} else {
		b.WriteString("Pick a difficulty at random: easy, medium or hard.\n")
	}
	if len(req.RecentCampaigns) > 0 {
		b.WriteString("Do not repeat these recent campaigns:\n")
		for _, r := range req.RecentCampaigns {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	b.WriteString(`Respond with {"name": string, "theme": [string], "difficulty": "easy"|"medium"|"hard", "background": short trailer, "plot": the opening scene, "options": [{"label": string, "value": int}]}`)

	return withRetries(ctx, g, "opening", b.String(), func(out *models.Opening) error {
		if strings.TrimSpace(out.Name) == "" {
			return errors.New("missing name")
		}
		if req.Difficulty != "" {
			out.Difficulty = req.Difficulty
		}
		if _, err := models.TargetFor(out.Difficulty); err != nil {
			return err
		}
		return validateGenerated(out.Plot, out.Options)
	})
}

func (g *OpenAIStoryGenerator) GenerateNextStep(ctx context.Context, req models.NextStepRequest) (models.GeneratedStep, error) {
	var b strings.Builder
	writeContext(&b, req.Context, req.PriorSteps)
	fmt.Fprintf(&b, "Current score: %d. The good ending comes at %d, the bad ending at %d.\n",
		req.Score.Current, req.Score.Target, -req.Score.Target)
	b.WriteString(`Continue from the last chosen path. Respond with {"plot": string, "options": [{"label": string, "value": int}]}`)

	return withRetries(ctx, g, "next_step", b.String(), func(out *models.GeneratedStep) error {
		return validateGenerated(out.Plot, out.Options)
	})
}

func (g *OpenAIStoryGenerator) GenerateEnding(ctx context.Context, req models.EndingRequest) (models.Ending, error) {
	var b strings.Builder
	writeContext(&b, req.Context, req.PriorSteps)
	if req.Good {
		b.WriteString("The players reached the good ending. Write it as a closing scene.\n")
	} else {
		b.WriteString("The players reached the bad ending. Write it as a closing scene.\n")
	}
	b.WriteString(`Respond with {"ending": string}`)

	return withRetries(ctx, g, "ending", b.String(), func(out *models.Ending) error {
		if strings.TrimSpace(out.Text) == "" {
			return errors.New("empty ending")
		}
		return nil
	})
}

func writeContext(b *strings.Builder, c models.StoryContext, prior []models.PriorStep) {
	fmt.Fprintf(b, "Campaign: %s (%s, difficulty %s).\n", c.Name, strings.Join(c.Theme, ", "), c.Difficulty)
	fmt.Fprintf(b, "Background: %s\n", c.Background)
	if len(prior) > 0 {
		b.WriteString("Story so far:\n")
		for _, p := range prior {
			fmt.Fprintf(b, "%d. %s\n   Chosen: %s\n", p.StepNumber, p.Plot, p.ChosenLabel)
		}
	}
}

func validateGenerated(plot string, opts []models.GeneratedOption) error {
	if strings.TrimSpace(plot) == "" {
		return errors.New("missing plot")
	}
	return models.ValidateOptions(models.ToStepOptions(opts))
}

// withRetries runs one prompt until its answer decodes and validates, or the
// tries run out.
func withRetries[T any](ctx context.Context, g *OpenAIStoryGenerator, kind, prompt string, validate func(*T) error) (T, error) {
	attempt := 0
	op := func() (T, error) {
		attempt++
		var out T
		raw, err := g.complete(ctx, prompt)
		if err != nil {
			return out, err
		}
		if err := DecodeJSONObject(raw, &out); err != nil {
			return out, err
		}
		if err := validate(&out); err != nil {
			return out, fmt.Errorf("invalid %s: %w", kind, err)
		}
		return out, nil
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(g.backoff()),
		backoff.WithMaxTries(g.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.log.Warn().Err(err).Str("kind", kind).Int("attempt", attempt).Dur("retry_in", next).Msg("story generation attempt failed")
		}),
	)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %s after %d attempt(s): %w", models.ErrUpstreamGenerationFailed, kind, attempt, err)
	}
	return out, nil
}

func (g *OpenAIStoryGenerator) complete(ctx context.Context, prompt string) (string, error) {
	jsonObject := shared.NewResponseFormatJSONObjectParam()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &jsonObject,
		},
		Temperature: openai.Float(0.9),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// DecodeJSONObject decodes the first JSON object in s, ignoring code fences
// or prose around it.
func DecodeJSONObject(s string, dst any) error {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return errors.New("no JSON object in completion")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), dst); err != nil {
		return fmt.Errorf("decode completion: %w", err)
	}
	return nil
}
