package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/chatrelay/pkg/models"
)

var (
	ErrValidation        = errors.New("invalid request")
	ErrNotFound          = errors.New("resource not found")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrJobFailed         = errors.New("chat job failed")
)

// RateLimitError carries the policy that rejected a submission.
type RateLimitError struct {
	Tier    models.Tier
	Limit   int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s tier allows %d messages, resets at %s",
		e.Tier, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// JobFailedError is returned to a waiting caller when the job ended in the
// failed state.
type JobFailedError struct {
	JobID  uuid.UUID
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("chat job %s failed: %s", e.JobID, e.Reason)
}

func (e *JobFailedError) Unwrap() error { return ErrJobFailed }

func validation(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
