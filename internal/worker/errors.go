package worker

import "errors"

var (
	// ErrPrerequisite means an entity the work depends on is gone. The
	// caller treats it as done: there is nothing to retry.
	ErrPrerequisite = errors.New("missing prerequisite")

	// ErrNotDispatchable is returned for broadcasts whose status does not
	// allow a send.
	ErrNotDispatchable = errors.New("broadcast cannot be sent in its current status")

	// ErrDispatchInProgress means another process holds the dispatch lock
	// for the broadcast.
	ErrDispatchInProgress = errors.New("broadcast dispatch already in progress")
)
