package syncer

import (
	"errors"
	"fmt"

	"platfoxbot/internal/domain"
)

// Result summarizes one pass.
type Result struct {
	AccountsAttempted int
	Fetched           int
	Published         int
	PublishFailures   []PublishFailure
	FetchErrors       []error
}

type PublishFailure struct {
	AccountID string
	PostID    uint64
	Outcome   domain.PublishOutcome
	// Err is set when the destination could not be reached.
	Err error
}

func (f PublishFailure) Error() string {
	return fmt.Sprintf("publish post %d of account %s: %s", f.PostID, f.AccountID, f.Outcome)
}

// PublishFailed reports whether at least one post was rejected or not delivered.
func (r *Result) PublishFailed() bool {
	return len(r.PublishFailures) > 0
}

// Err joins every fetch and publish failure of the pass.
func (r *Result) Err() error {
	errs := make([]error, 0, len(r.FetchErrors)+len(r.PublishFailures))
	errs = append(errs, r.FetchErrors...)

	for _, f := range r.PublishFailures {
		errs = append(errs, f)
	}

	return errors.Join(errs...)
}
