package parafuture

import (
	"errors"
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// ErrAlreadyAssigned is returned by [Assignable.Assign] when a value has
// already been written to the cell.
var ErrAlreadyAssigned = errors.New("parafuture: cell already assigned")

// ErrUnavailable is the sentinel wrapped by [*UnavailableError]; check it
// with errors.Is when you only care that a [TimedAccess] deadline passed.
var ErrUnavailable = errors.New("parafuture: unavailable (deadline exceeded)")

// InterruptedError reports that a group was cancelled while one of its
// members was queued, running, or waiting. It is the outcome written
// into a future's result cell when the future's group is (or becomes)
// cancelled. Reason is the group's cancellation cause when the task was
// resolved by [CancelGroup] or rejected by [Fork] on an already-cancelled
// group. It is nil for a bare interrupt: [CancelGroup] with no cause, or
// a queued task dropped at dequeue time because its group had been
// cancelled in the meantime (for instance by a sibling's failure).
type InterruptedError struct {
	GroupID int64
	Reason  error
}

func (e *InterruptedError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("parafuture: group %d interrupted: %v", e.GroupID, e.Reason)
	}
	return fmt.Sprintf("parafuture: group %d interrupted", e.GroupID)
}

func (e *InterruptedError) Unwrap() error { return e.Reason }

// AggregateError collects every failure cause a cancelled group's
// subtree accumulated. [Join] builds one of these when a future's
// outcome is a bare interrupt and its group's subtree recorded two or
// more concrete causes (a single cause is returned as-is) — "flattening"
// the collected failures into
// the returned failure so the earliest root cause surfaces (spec.md
// §4.4 Join).
type AggregateError struct {
	GroupID int64
	merr    *multierror.Error
}

func newAggregateError(groupID int64, causes []error) *AggregateError {
	me := new(multierror.Error)
	for _, c := range causes {
		me = multierror.Append(me, c)
	}
	return &AggregateError{GroupID: groupID, merr: me}
}

func (e *AggregateError) Error() string   { return e.merr.Error() }
func (e *AggregateError) Unwrap() []error { return e.merr.Errors }

// Causes returns the flattened list of failures that produced this
// aggregate, in the order they were recorded.
func (e *AggregateError) Causes() []error { return e.merr.Errors }

// MisuseError reports a fatal programmer error: double fulfillment, or
// [Fulfill] called on a future that was not created by [Promise]. These
// are the only misuse cases detected; [Join] called while holding a
// [Cell]'s guarded critical section is not detected.
//
// MisuseError is never returned from a function a caller could recover
// from — every site that detects misuse panics with a *MisuseError
// instead, matching spec.md §7 ("fatal misuse aborts the caller; it is
// a contract violation, not a recoverable state").
type MisuseError struct {
	Op  string
	Msg string
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("parafuture: misuse in %s: %s", e.Op, e.Msg)
}

func misuse(op, msg string) {
	panic(&MisuseError{Op: op, Msg: msg})
}

// UnavailableError is returned by [TimedAccess] when deadline passes
// before the guarded update could complete.
type UnavailableError struct {
	Deadline time.Time
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("parafuture: unavailable, deadline %s exceeded", e.Deadline.Format(time.RFC3339Nano))
}

func (e *UnavailableError) Unwrap() error { return ErrUnavailable }

// UserFailure wraps whatever a user closure returned, letting callers
// distinguish "the closure itself failed" from a scheduler-originated
// failure ([*InterruptedError], [*MisuseError], [*UnavailableError]) via
// errors.As.
type UserFailure struct {
	Cause error
}

func (e *UserFailure) Error() string { return e.Cause.Error() }
func (e *UserFailure) Unwrap() error { return e.Cause }

// IsInterrupted reports whether err (or any error in its chain) is an
// [*InterruptedError].
func IsInterrupted(err error) bool {
	var e *InterruptedError
	return errors.As(err, &e)
}

// IsAggregate reports whether err (or any error in its chain) is an
// [*AggregateError].
func IsAggregate(err error) bool {
	var e *AggregateError
	return errors.As(err, &e)
}

// IsMisuse reports whether err (or any error in its chain) is a
// [*MisuseError]. Misuse is normally delivered via panic, not a regular
// error return; this helper exists for callers that recover a panic and
// want to confirm its shape.
func IsMisuse(err error) bool {
	var e *MisuseError
	return errors.As(err, &e)
}

// IsUnavailable reports whether err wraps [ErrUnavailable].
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// CauseOf unwraps the first [*UserFailure] in err's chain and returns
// its underlying cause. If err is not a UserFailure, it is returned
// as-is. Returns nil if err is nil.
func CauseOf(err error) error {
	if err == nil {
		return nil
	}
	var uf *UserFailure
	if errors.As(err, &uf) {
		return uf.Cause
	}
	return err
}
