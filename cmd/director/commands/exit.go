package commands

import (
	"errors"

	"github.com/hashicorp/go-multierror"

	"github.com/openfroyo/director/pkg/engine"
)

// Process exit codes.
const (
	ExitOK = 0

	// ExitFailure is returned for any reported failure.
	ExitFailure = 13

	// ExitManualIntervention is returned when a rollback could not undo every
	// action and the target system needs attention.
	ExitManualIntervention = 14
)

// ExitError carries the process exit code of a failed command. Its message
// has already been printed.
type ExitError struct {
	Code   int
	Status *engine.Status
}

func (e *ExitError) Error() string {
	if e.Status != nil {
		return e.Status.String()
	}
	return "operation failed"
}

// statusError converts a failed status into an ExitError.
func statusError(status *engine.Status) error {
	if status.IsOK() {
		return nil
	}
	code := ExitFailure
	if status.RequiresManualIntervention() {
		code = ExitManualIntervention
	}
	return &ExitError{Code: code, Status: status}
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// failed prints err as an error status and returns the matching ExitError.
// Each error of a multierror becomes its own child line.
func failed(a *app, err error) error {
	var status *engine.Status
	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) > 0 {
		status = engine.NewStatus(engine.SeverityError, engine.CodeOf(merr.Errors[0]), "Operation failed")
		for _, e := range merr.Errors {
			status.Add(engine.ErrorStatus("", e))
		}
	} else {
		status = engine.ErrorStatus("Operation failed", err)
	}
	_ = status.Print(a.out)
	return statusError(status)
}
