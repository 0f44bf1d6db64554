package queue

import "fmt"

// QueueError wraps a failure from a queue operation, following the
// same error-as-value idiom used across the module.
type QueueError struct {
	Op    string
	Table string
	Err   error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %s failed: %v", e.Table, e.Op, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

func wrapErr(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &QueueError{Op: op, Table: table, Err: err}
}
