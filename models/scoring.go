package models

import (
	"fmt"
	"strings"
)

// ValidateOptions checks a generated option set before it becomes a step.
func ValidateOptions(opts []StepOption) error {
	if len(opts) < 2 {
		return fmt.Errorf("%w: need at least 2 options, got %d", ErrInvalidOptions, len(opts))
	}
	seen := make(map[int]bool, len(opts))
	for _, o := range opts {
		if strings.TrimSpace(o.Label) == "" {
			return fmt.Errorf("%w: empty label", ErrInvalidOptions)
		}
		if o.Value < -1 || o.Value > 1 {
			return fmt.Errorf("%w: value %d out of range", ErrInvalidOptions, o.Value)
		}
		if seen[o.Value] {
			return fmt.Errorf("%w: duplicate value %d", ErrInvalidOptions, o.Value)
		}
		seen[o.Value] = true
	}
	return nil
}

// TallyResult is the winner of a step's vote count.
type TallyResult struct {
	OptionID int
	Count    int
}

// Tally counts votes per option. votes must be in cast order: the option
// with the strictly highest count wins, and among tied options the one whose
// first vote was cast earliest wins. ok is false when there are no votes.
func Tally(votes []Vote) (winner TallyResult, ok bool) {
	counts := make(map[int]int)
	var order []int
	for _, v := range votes {
		if _, seen := counts[v.SelectedOptionID]; !seen {
			order = append(order, v.SelectedOptionID)
		}
		counts[v.SelectedOptionID]++
	}
	for _, id := range order {
		if !ok || counts[id] > winner.Count {
			winner = TallyResult{OptionID: id, Count: counts[id]}
			ok = true
		}
	}
	return winner, ok
}

// Verdict is what the resolver does after applying a step's value.
type Verdict int

const (
	VerdictContinue Verdict = iota
	VerdictGoodEnding
	VerdictBadEnding
)

func (v Verdict) String() string {
	switch v {
	case VerdictGoodEnding:
		return "good_ending"
	case VerdictBadEnding:
		return "bad_ending"
	default:
		return "continue"
	}
}

// Judge decides on the updated score. The bad ending triggers only on exact
// equality with -target; a score below it keeps the campaign going.
func Judge(score, target int) Verdict {
	switch {
	case score >= target:
		return VerdictGoodEnding
	case score == -target:
		return VerdictBadEnding
	default:
		return VerdictContinue
	}
}
