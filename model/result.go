package model

// Reason classifies a rejected operation so callers can branch without
// parsing messages.
type Reason string

// Rejection reasons carried by Result.
const (
	ReasonWrongType        Reason = "wrong_type"
	ReasonSamePhase        Reason = "same_phase"
	ReasonDirectionBlocked Reason = "direction_blocked"
	ReasonUnauthorized     Reason = "unauthorized"
	ReasonMissingFields    Reason = "missing_fields"
	ReasonEmptyComment     Reason = "empty_comment"
	ReasonNoChange         Reason = "no_change"
	ReasonInvalidValue     Reason = "invalid_value"
)

// Result is the outcome of a workflow operation. Message is suitable for
// direct display to the acting user.
type Result struct {
	OK      bool     `json:"ok"`
	Message string   `json:"message"`
	Reason  Reason   `json:"reason,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// Succeeded returns a successful Result.
func Succeeded(msg string) Result {
	return Result{OK: true, Message: msg}
}

// Rejected returns a failed Result.
func Rejected(reason Reason, msg string) Result {
	return Result{Reason: reason, Message: msg}
}
