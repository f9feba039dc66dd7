package entities

// DiscoveryStatus is one of five ordered workflow stages. It is always derived
// from a meeting snapshot and never stored as authoritative state.
type DiscoveryStatus string

const (
	DiscoveryStarted           DiscoveryStatus = "discovery_started"
	Proposal                   DiscoveryStatus = "proposal"
	ProposalSent               DiscoveryStatus = "proposal_sent"
	TechnicalDetailsCollection DiscoveryStatus = "technical_details_collection"
	ImplementationStarted      DiscoveryStatus = "implementation_started"
)

// DiscoveryWorkflow lists the stages from first to last
var DiscoveryWorkflow = []DiscoveryStatus{
	DiscoveryStarted,
	Proposal,
	ProposalSent,
	TechnicalDetailsCollection,
	ImplementationStarted,
}

// Stage returns the 1-based position in the workflow, or 0 for unknown values
func (s DiscoveryStatus) Stage() int {
	for i, st := range DiscoveryWorkflow {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// IsValid reports whether s is one of the five stages
func (s DiscoveryStatus) IsValid() bool {
	return s.Stage() > 0
}

// Next returns the following stage and false when s is the last or unknown
func (s DiscoveryStatus) Next() (DiscoveryStatus, bool) {
	stage := s.Stage()
	if stage == 0 || stage == len(DiscoveryWorkflow) {
		return "", false
	}
	return DiscoveryWorkflow[stage], true
}

// Before reports whether s comes strictly earlier in the workflow than other
func (s DiscoveryStatus) Before(other DiscoveryStatus) bool {
	return s.Stage() < other.Stage()
}

// Description returns a short human-readable explanation of the stage
func (s DiscoveryStatus) Description() string {
	switch s {
	case DiscoveryStarted:
		return "Discovery in progress - collecting client information"
	case Proposal:
		return "Building proposal - services being selected"
	case ProposalSent:
		return "Proposal sent to client - awaiting decision"
	case TechnicalDetailsCollection:
		return "Client approved - collecting technical requirements"
	case ImplementationStarted:
		return "Implementation started - project in development"
	default:
		return "Unknown status"
	}
}

// ProgressPercentage maps a stage to an approximate completion figure
func (s DiscoveryStatus) ProgressPercentage() int {
	switch s {
	case DiscoveryStarted:
		return 20
	case Proposal:
		return 40
	case ProposalSent:
		return 60
	case TechnicalDetailsCollection:
		return 80
	case ImplementationStarted:
		return 90
	default:
		return 0
	}
}
