package models

import "fmt"

// ErrMissingTaskBrief indicates a nil task brief where one was required.
var ErrMissingTaskBrief = fmt.Errorf("invalid_task_brief: task brief is required")

func fieldErr(name string) error {
	return fmt.Errorf("invalid_task_brief: missing required field %q", name)
}
