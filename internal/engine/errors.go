package engine

import (
	"fmt"

	"copydesk/internal/domain"
	"copydesk/internal/repo"
)

// NotFoundError reports a missing template, request or stage. It unwraps to
// repo.ErrNotFound so callers can match the family with errors.Is.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// InvalidActionError reports an action token outside the closed set.
type InvalidActionError struct {
	Action string
}

func (e InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action %q", e.Action)
}

// InvalidTransitionError reports an action that is not legal from the current
// stage or request state.
type InvalidTransitionError struct {
	Reason string
}

func (e InvalidTransitionError) Error() string {
	return "invalid transition: " + e.Reason
}

// StaleStageError reports a concurrent-modification loss: the stage was no
// longer awaiting action when the transaction observed it. Callers should
// re-read state and retry rather than replay the same call.
type StaleStageError struct {
	StageID string
	Status  domain.StageStatus
}

func (e StaleStageError) Error() string {
	return fmt.Sprintf("stage %s already resolved as %s", e.StageID, e.Status)
}

// ActiveRequestError reports that the content item already has an open request.
type ActiveRequestError struct {
	ContentID string
	RequestID string
}

func (e ActiveRequestError) Error() string {
	return fmt.Sprintf("content %s already has active approval request %s", e.ContentID, e.RequestID)
}
