package publisher

import (
	"context"
	"fmt"

	"platfoxbot/internal/domain"
)

// Publisher delivers posts to a destination channel.
//
// Destination rejections are reported through the outcome and never as an error.
// An error means the destination could not be reached and is a *TransportError.
type Publisher interface {
	Publish(ctx context.Context, destinationID string, post domain.Post) (domain.PublishOutcome, error)
}

type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
