package orders

import (
	"errors"
	"fmt"
)

// Code distinguishes order business-rule violations by machine. Callers match
// on the code; the message is for humans.
type Code string

const (
	// Validation failures: the submitted order can never be saved as-is.
	CodeCannotEditExisting          Code = "cannot-edit-existing"
	CodeConceptRequired             Code = "concept-required"
	CodeTypeUndetermined            Code = "type-undetermined"
	CodeVariantMismatch             Code = "variant-mismatch"
	CodeCareSettingUndetermined     Code = "care-setting-undetermined"
	CodePreviousRequired            Code = "previous-required"
	CodePreviousPatientMismatch     Code = "previous-patient-mismatch"
	CodePreviousCareSettingMismatch Code = "previous-care-setting-mismatch"
	CodePreviousConceptMismatch     Code = "previous-concept-mismatch"
	CodePreviousDrugMismatch        Code = "previous-drug-mismatch"
	CodePreviousTypeMismatch        Code = "previous-type-mismatch"
	CodeVoidReasonRequired          Code = "void-reason-required"
	CodeInvalidStopDates            Code = "invalid-stop-dates"

	// State failures: the target order is in the wrong lifecycle state.
	CodeCannotStopDiscontinuation Code = "cannot-stop-discontinuation"
	CodeCannotStopInactive        Code = "cannot-stop-inactive"
	CodeStopDateInFuture          Code = "stop-date-in-future"
	CodeCannotUnvoid              Code = "cannot-unvoid"

	// Consistency failures across the patient's order set.
	CodeDuplicateActiveOrder Code = "duplicate-active-order"
	CodeAmbiguousDiscontinue Code = "ambiguous-discontinue"

	CodeNotFound Code = "not-found"
)

// Error is the single error kind raised by this package for business-rule
// violations. Infrastructure failures from collaborators pass through
// untouched.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is an order Error carrying the given code.
func IsCode(err error, code Code) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Code == code
}

// CodeOf returns the machine code of an order Error, or "" for any other
// error.
func CodeOf(err error) Code {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}
