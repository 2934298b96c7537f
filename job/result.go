package job

import (
	"errors"
)

// Outcome of an online phase, other than success
var (
	// ErrDefer means a resource is temporarily unavailable: try again later without counting a try
	ErrDefer = errors.New("defer")
	// ErrAbortedRetry means the connection was lost with no guarantee on the server side effect
	ErrAbortedRetry = errors.New("aborted-retry")
	// ErrGiveUp means something is structurally wrong: retrying is pointless
	ErrGiveUp = errors.New("failure-give-up")
	// ErrMoot means the target of the operation no longer exists
	ErrMoot = errors.New("moot")
)

type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeDefer        Outcome = "defer"
	OutcomeAbortedRetry Outcome = "aborted-retry"
	OutcomeGiveUp       Outcome = "failure-give-up"
	OutcomeMoot         Outcome = "moot"
	OutcomeUnknown      Outcome = "unknown"
)

// Classify maps an error returned by an online phase to its outcome
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrDefer):
		return OutcomeDefer
	case errors.Is(err, ErrAbortedRetry):
		return OutcomeAbortedRetry
	case errors.Is(err, ErrGiveUp):
		return OutcomeGiveUp
	case errors.Is(err, ErrMoot):
		return OutcomeMoot
	default:
		return OutcomeUnknown
	}
}

// CheckResult is the evidence returned by the check phase
type CheckResult string

const (
	// CheckNotYet means the job didn't happen on the server
	CheckNotYet CheckResult = "checked-notyet"
	// CheckCoherentNotYet means the job cannot have happened without the local state knowing it
	CheckCoherentNotYet CheckResult = "coherent-notyet"
	// CheckIdempotent means the job can safely run again
	CheckIdempotent CheckResult = "idempotent"
	// CheckHappened means the job already completed on the server
	CheckHappened CheckResult = "happened"
	// CheckMoot means the preconditions of the job no longer hold
	CheckMoot CheckResult = "moot"
	// CheckBailed means the check could not be performed
	CheckBailed CheckResult = "bailed"
)

// Result is returned by the online phases along with the error
type Result struct {
	// Value is handed to the completion callback of the operation
	Value any
	// SaveSuggested asks for the account state to be persisted
	SaveSuggested bool
}

// Completion is sent to the callback of an operation once it reaches a terminal state
type Completion struct {
	LongtermID string
	Type       Type
	Status     Status
	Err        error
	Value      any
}
