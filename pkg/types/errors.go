package types

import "fmt"

// ValidationError reports a malformed partial specification or schema
// declaration. Surfaced immediately, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// MultipleMatchError reports more than one persisted row for a single
// identity key. The uniqueness constraint makes this impossible under
// normal operation, so it is fatal and never resolved by guessing.
type MultipleMatchError struct {
	Kind        string
	IdentityKey string
	Count       int
}

func (e *MultipleMatchError) Error() string {
	return fmt.Sprintf("multiple match: %d rows for %s{%s}", e.Count, e.Kind, e.IdentityKey)
}

// DispatchError reports that a group could not be handed to the transport
// at submission time. Recovered by local execution of the group.
type DispatchError struct {
	GroupKey string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch of group %q failed: %v", e.GroupKey, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// WorkerError reports a remote execution failure. Recovered by local
// re-execution of the affected group; a failure during that fallback is
// surfaced to the caller.
type WorkerError struct {
	GroupKey string
	Err      error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker failed for group %q: %v", e.GroupKey, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }
