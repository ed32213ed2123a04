package service

import (
	"errors"
	"fmt"
)

// ErrUnavailable means the upstream collaborator is not connected or did not
// answer. It is safe to retry and is never cached.
var ErrUnavailable = errors.New("upstream unavailable")

// UserNotFoundError means the user does not exist or is not visible upstream
type UserNotFoundError struct {
	UserID string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user %s not found", e.UserID)
}

// IsNotFound reports whether err is a *UserNotFoundError
func IsNotFound(err error) bool {
	var nf *UserNotFoundError
	return errors.As(err, &nf)
}
