package enums

import "fmt"

// SettlementStep is the persisted step cursor of the settlement workflow.
// A crash or mid-sequence failure leaves the cursor at the last step that
// committed, so the settlement can be re-driven from there.
type SettlementStep string

const (
	// SettlementStepReserved means the settlement row exists but no balance
	// mutation has been applied yet.
	SettlementStepReserved SettlementStep = "reserved"
	// SettlementStepDebited means the balance debit and ledger entry committed.
	SettlementStepDebited SettlementStep = "debited"
	// SettlementStepTransferred means the reward transfer row exists.
	SettlementStepTransferred SettlementStep = "transferred"
	// SettlementStepCompleted means the settlement reached its terminal state.
	SettlementStepCompleted SettlementStep = "completed"
)

var validSettlementSteps = []SettlementStep{
	SettlementStepReserved,
	SettlementStepDebited,
	SettlementStepTransferred,
	SettlementStepCompleted,
}

// IsValid reports whether the value matches the canonical step enum.
func (s SettlementStep) IsValid() bool {
	for _, candidate := range validSettlementSteps {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseSettlementStep converts raw input into SettlementStep.
func ParseSettlementStep(value string) (SettlementStep, error) {
	for _, candidate := range validSettlementSteps {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid settlement step %q", value)
}
