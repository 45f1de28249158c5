package models

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match on these with errors.Is.
var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidState             = errors.New("invalid state")
	ErrAlreadyExists            = errors.New("already exists")
	ErrValidationFailed         = errors.New("validation failed")
	ErrUpstreamGenerationFailed = errors.New("upstream generation failed")
)

// Specific errors, each wrapping one kind.
var (
	ErrCampaignNotFound = fmt.Errorf("campaign %w", ErrNotFound)
	ErrStepNotFound     = fmt.Errorf("step %w", ErrNotFound)
	ErrNotMember        = fmt.Errorf("campaign membership %w", ErrNotFound)
	ErrInvalidOption    = fmt.Errorf("option %w", ErrNotFound)

	ErrCampaignFinished = fmt.Errorf("campaign is finished: %w", ErrInvalidState)
	ErrStepNotVoting    = fmt.Errorf("step is not voting: %w", ErrInvalidState)
	ErrStepClosed       = fmt.Errorf("step is closed: %w", ErrInvalidState)
	ErrStepOutOfOrder   = fmt.Errorf("step out of order: %w", ErrInvalidState)

	ErrAlreadyJoined = fmt.Errorf("campaign membership %w", ErrAlreadyExists)
	ErrAlreadyVoted  = fmt.Errorf("vote %w", ErrAlreadyExists)
	ErrStepExists    = fmt.Errorf("step %w", ErrAlreadyExists)

	ErrInvalidOptions    = fmt.Errorf("invalid option set: %w", ErrValidationFailed)
	ErrUnknownDifficulty = fmt.Errorf("unknown difficulty: %w", ErrValidationFailed)
)
