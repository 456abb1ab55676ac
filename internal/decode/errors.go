package decode

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidLength is returned when max_length cannot hold the prompt.
	ErrInvalidLength = errors.New("invalid max length")
	// ErrInvalidPrompt is returned for empty, ragged or out-of-vocab prompts.
	ErrInvalidPrompt = errors.New("invalid prompt")
)

// promptError carries the offending row for ErrInvalidPrompt.
type promptError struct {
	row    int
	reason string
}

func (e *promptError) Error() string {
	if e.row < 0 {
		return fmt.Sprintf("%v: %s", ErrInvalidPrompt, e.reason)
	}
	return fmt.Sprintf("%v: row %d: %s", ErrInvalidPrompt, e.row, e.reason)
}

func (e *promptError) Unwrap() error { return ErrInvalidPrompt }
