package session

import "errors"

// ErrNoActiveCall is returned when an operation needs a live call.
var ErrNoActiveCall = errors.New("no active call")
