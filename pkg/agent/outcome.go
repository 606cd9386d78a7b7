package agent

// Outcome is the terminal classification of a convergence run.
type Outcome string

const (
	// OutcomeNoChanges means the run completed and every resource was
	// already in its desired state.
	OutcomeNoChanges Outcome = "no_changes"

	// OutcomeAppliedWithChanges means the run completed and at least one
	// resource was changed.
	OutcomeAppliedWithChanges Outcome = "applied_with_changes"

	// OutcomeFailed means the run could not complete or at least one
	// resource failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeLockContention means another run held the lock and this
	// invocation gave up.
	OutcomeLockContention Outcome = "lock_contention"

	// OutcomeTransportOrTrustFailure means certificate verification
	// failed against a server. Distinguished from ordinary failures so
	// operators can spot trust problems without reading logs.
	OutcomeTransportOrTrustFailure Outcome = "transport_or_trust_failure"
)

// ExitCode maps an outcome to the process exit code.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeNoChanges:
		return 0
	case OutcomeAppliedWithChanges:
		return 2
	case OutcomeFailed:
		return 1
	case OutcomeLockContention:
		return 3
	case OutcomeTransportOrTrustFailure:
		return 4
	default:
		return 1
	}
}

// Succeeded reports whether the run converged the node.
func (o Outcome) Succeeded() bool {
	return o == OutcomeNoChanges || o == OutcomeAppliedWithChanges
}

// OutcomeForError maps a classified run failure to its outcome.
func OutcomeForError(err error) Outcome {
	switch ClassOf(err) {
	case ErrorClassLockContention:
		return OutcomeLockContention
	case ErrorClassTransportTrust:
		return OutcomeTransportOrTrustFailure
	default:
		return OutcomeFailed
	}
}
