package upgrade

const safetyReasonBackupNotConfirmedConstant = "project backup has not been confirmed"

// SafetyInputs captures conditions that gate a project-wide upgrade.
type SafetyInputs struct {
	BackupConfirmed bool
}

// SafetyStatus conveys whether it is safe to rewrite every scope in place.
type SafetyStatus struct {
	SafeToProceed   bool
	BlockingReasons []string
}

// SafetyEvaluator evaluates safety inputs to produce a status.
type SafetyEvaluator struct{}

// Evaluate determines whether a non-undoable project upgrade may start.
func (SafetyEvaluator) Evaluate(inputs SafetyInputs) SafetyStatus {
	blockingReasons := make([]string, 0, 1)
	if !inputs.BackupConfirmed {
		blockingReasons = append(blockingReasons, safetyReasonBackupNotConfirmedConstant)
	}

	return SafetyStatus{SafeToProceed: len(blockingReasons) == 0, BlockingReasons: blockingReasons}
}
