package reconcile

import "errors"

// Operation failures surfaced to callers. Handlers translate these into
// HTTP responses via Code.
var (
	ErrRuleNotFound        = errors.New("reconciliation rule not found")
	ErrInvalidRule         = errors.New("reconciliation rule is invalid")
	ErrBatchNotFound       = errors.New("reconciliation batch not found")
	ErrBatchNotPending     = errors.New("reconciliation batch is not pending")
	ErrMatchNotFound       = errors.New("reconciliation match not found")
	ErrRecordNotFound      = errors.New("external record not found")
	ErrInvalidRecord       = errors.New("external record is invalid")
	ErrRecordConsumed      = errors.New("external record already matched to another transaction")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidDateRange    = errors.New("start date must not be after end date")

	// ErrRuleConflict means two active rules at the same priority produced
	// different decisions for one transaction. The batch fails so the rule
	// set can be fixed; it is a configuration error, never silently resolved.
	ErrRuleConflict = errors.New("reconciliation rules at equal priority disagree")
)

// Code returns the stable wire code for a reconciliation error, or
// "INTERNAL" for anything unrecognized.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrRuleNotFound):
		return "RULE_NOT_FOUND"
	case errors.Is(err, ErrInvalidRule):
		return "INVALID_RULE"
	case errors.Is(err, ErrBatchNotFound):
		return "BATCH_NOT_FOUND"
	case errors.Is(err, ErrBatchNotPending):
		return "BATCH_NOT_PENDING"
	case errors.Is(err, ErrMatchNotFound):
		return "MATCH_NOT_FOUND"
	case errors.Is(err, ErrRecordNotFound):
		return "RECORD_NOT_FOUND"
	case errors.Is(err, ErrInvalidRecord):
		return "INVALID_RECORD"
	case errors.Is(err, ErrRecordConsumed):
		return "RECORD_CONSUMED"
	case errors.Is(err, ErrTransactionNotFound):
		return "TRANSACTION_NOT_FOUND"
	case errors.Is(err, ErrInvalidDateRange):
		return "INVALID_DATE_RANGE"
	case errors.Is(err, ErrRuleConflict):
		return "RECONCILIATION_RULE_CONFLICT"
	default:
		return "INTERNAL"
	}
}
