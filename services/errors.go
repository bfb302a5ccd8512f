package services

import (
	"errors"
	"fmt"

	"campaign-mailer/database"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrPersistence     = errors.New("persistence failure")
	ErrTransport       = errors.New("transport failure")
	ErrAborted         = errors.New("run aborted")
)

// ValidationError carries a message meant for the caller of a request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// persistence wraps a store error, keeping not-found distinguishable.
func persistence(op string, err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrPersistence, err)
}
