package constants

// JobStatus is the canonical status for rows in the jobs table.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusSubmitted  JobStatus = "SUBMITTED"   // accepted upstream, not yet observed running
	JobStatusInProgress JobStatus = "IN_PROGRESS" // upstream reports work in progress
	JobStatusSucceeded  JobStatus = "SUCCEEDED"   // terminal: blocks aggregated, artifacts stored
	JobStatusFailed     JobStatus = "FAILED"      // terminal failure
)

// ExternalState is what callers see while polling. SUBMITTED and IN_PROGRESS
// both read as "processing".
func (s JobStatus) ExternalState() string {
	switch s {
	case JobStatusSucceeded:
		return "succeeded"
	case JobStatusFailed:
		return "failed"
	default:
		return "processing"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// CanTransition enforces the job state machine edges.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobStatusSubmitted:
		return to == JobStatusInProgress || to == JobStatusSucceeded || to == JobStatusFailed
	case JobStatusInProgress:
		return to == JobStatusInProgress || to == JobStatusSucceeded || to == JobStatusFailed
	default:
		return false
	}
}

// ParseJobStatus maps upstream status strings onto JobStatus.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch JobStatus(s) {
	case JobStatusSubmitted, JobStatusInProgress, JobStatusSucceeded, JobStatusFailed:
		return JobStatus(s), true
	case "PARTIAL_SUCCESS":
		// treated as success: every returned page is still aggregated
		return JobStatusSucceeded, true
	}
	return "", false
}
