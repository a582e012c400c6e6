package domain

import "fmt"

// TaskNotFoundError is returned when a task id does not exist in the store.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// IllegalTransitionError is returned when a status change violates the
// task state machine, including any change out of a terminal state.
type IllegalTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *IllegalTransitionError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("task %s already terminal (%s)", e.TaskID, e.From)
	}
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// InstanceNotFoundError is returned when no runtime is registered for an
// account id.
type InstanceNotFoundError struct {
	InstanceID string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("instance not found: %s", e.InstanceID)
}
