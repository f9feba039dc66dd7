package status

import (
	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
	"github.com/johnquangdev/discovery-sync/internal/usecase/merge"
)

// Compute projects a meeting snapshot onto one of the five discovery stages.
// Rules are checked from the last stage to the first and the first match wins.
// The result can move backward when upstream fields are cleared; see Clamp.
func Compute(m *entities.Meeting) entities.DiscoveryStatus {
	if m == nil {
		return entities.DiscoveryStarted
	}

	proposal := m.Module(entities.ModuleProposal)

	if m.Phase == entities.PhaseDevelopment || implementationComplete(m.ImplementationSpec) {
		return entities.ImplementationStarted
	}

	if m.Status == entities.MeetingStatusClientApproved || truthy(proposal["approvedBy"]) {
		return entities.TechnicalDetailsCollection
	}

	if proposal["proposalSent"] == true || truthy(proposal["proposalSentAt"]) {
		return entities.ProposalSent
	}

	if hasSelectedService(proposal["selectedServices"]) {
		return entities.Proposal
	}

	// Whether or not any module holds data, the floor is discovery_started.
	return entities.DiscoveryStarted
}

// HasModuleData reports whether any of the nine discovery modules has a
// non-empty field under the merge emptiness predicate
func HasModuleData(m *entities.Meeting) bool {
	for _, name := range entities.DiscoveryModules {
		for _, v := range m.Module(name) {
			if !merge.IsEmpty(v) {
				return true
			}
		}
	}
	return false
}

// Clamp keeps a displayed status from regressing below a stored high-water mark.
// Unknown high-water values are ignored.
func Clamp(computed, highWater entities.DiscoveryStatus) entities.DiscoveryStatus {
	if highWater.IsValid() && computed.Before(highWater) {
		return highWater
	}
	return computed
}

func implementationComplete(spec map[string]any) bool {
	if spec == nil {
		return false
	}
	switch pct := spec["completionPercentage"].(type) {
	case float64:
		return pct == 100
	case int:
		return pct == 100
	case int64:
		return pct == 100
	default:
		return false
	}
}

func hasSelectedService(v any) bool {
	services, ok := v.([]any)
	if !ok {
		return false
	}
	for _, s := range services {
		svc, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if svc["selected"] == true {
			return true
		}
	}
	return false
}

// truthy follows the loose "value is set" check used for approval and sent markers
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}
