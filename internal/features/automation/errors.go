package automation

import (
	"errors"
	"fmt"
	"strings"

	"go-crm-pipeline/internal/features/messaging"
)

var (
	ErrRuleNotFound      = errors.New("automation rule not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrRuleInactive      = errors.New("automation rule is inactive")
	ErrExecutionFinished = errors.New("execution already finished")
	ErrClaimContended    = errors.New("scheduled run claim contended")
)

// ValidationError is a bad rule, condition or action configuration.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// GatingRejected means a cap, time window or approval kept the rule from running.
type GatingRejected struct {
	Reason string
}

func (e *GatingRejected) Error() string {
	return "gating rejected: " + e.Reason
}

// ActionError is an action that still failed after its retries.
type ActionError struct {
	ActionType ActionType
	Index      int
	Attempts   int
	Cause      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s) failed after %d attempt(s): %v", e.Index, e.ActionType, e.Attempts, e.Cause)
}

func (e *ActionError) Unwrap() error {
	return e.Cause
}

// TransitionDenied carries the validator errors that blocked a move_stage action.
type TransitionDenied struct {
	From   string
	To     string
	Errors []string
}

func (e *TransitionDenied) Error() string {
	return fmt.Sprintf("transition %s -> %s denied: %s", e.From, e.To, strings.Join(e.Errors, "; "))
}

type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown function %q", e.Name)
}

type UnknownActionError struct {
	Type ActionType
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action type %q", e.Type)
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	var (
		validation *ValidationError
		function   *UnknownFunctionError
		action     *UnknownActionError
		transition *TransitionDenied
	)
	return errors.As(err, &validation) ||
		errors.As(err, &function) ||
		errors.As(err, &action) ||
		errors.As(err, &transition) ||
		errors.Is(err, messaging.ErrNotConfigured)
}

// errorKind names the error class stored on an ActionResult.
func errorKind(err error) string {
	var (
		validation *ValidationError
		function   *UnknownFunctionError
		action     *UnknownActionError
		transition *TransitionDenied
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &transition):
		return "transition_denied"
	case errors.As(err, &function):
		return "unknown_function"
	case errors.As(err, &action):
		return "unknown_action"
	case errors.As(err, &validation):
		return "validation"
	case errors.Is(err, messaging.ErrNotConfigured):
		return "not_configured"
	}
	return "transient"
}
