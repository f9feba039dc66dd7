package entities

import (
	"encoding/json"
	"sort"
)

// ModuleName identifies one topical section of a discovery meeting
type ModuleName string

const (
	ModuleOverview        ModuleName = "overview"
	ModuleLeadsAndSales   ModuleName = "leadsAndSales"
	ModuleCustomerService ModuleName = "customerService"
	ModuleOperations      ModuleName = "operations"
	ModuleReporting       ModuleName = "reporting"
	ModuleAIAgents        ModuleName = "aiAgents"
	ModuleSystems         ModuleName = "systems"
	ModuleROI             ModuleName = "roi"
	ModulePlanning        ModuleName = "planning"

	// ModuleProposal holds service selection and approval data. It is read by the
	// status engine but is not one of the nine weighted discovery modules.
	ModuleProposal ModuleName = "proposal"
)

// DiscoveryModules lists the nine fixed discovery modules in display order
var DiscoveryModules = []ModuleName{
	ModuleOverview,
	ModuleLeadsAndSales,
	ModuleCustomerService,
	ModuleOperations,
	ModuleReporting,
	ModuleAIAgents,
	ModuleSystems,
	ModuleROI,
	ModulePlanning,
}

// Module is a string-keyed bag of arbitrary-typed fields
type Module map[string]any

// Keys returns the module keys in sorted order
func (m Module) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the module
func (m Module) Clone() Module {
	if m == nil {
		return nil
	}
	out := make(Module, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// ExtractedFieldSet is a partial per-module field bag produced by an external
// extraction step. Values are untyped JSON and must be objects to be merged.
type ExtractedFieldSet map[ModuleName]any

// Meeting phases and statuses the core reacts to
const (
	PhaseDiscovery      = "discovery"
	PhaseImplementation = "implementation"
	PhaseDevelopment    = "development"

	MeetingStatusClientApproved = "client_approved"
)

// Meeting is the aggregate discovery record for one client engagement.
// Fields the core does not interpret are kept in Extra so the snapshot pushed
// to the CRM is complete.
type Meeting struct {
	MeetingID          string                `json:"meetingId" validate:"required"`
	ClientName         string                `json:"clientName"`
	Modules            map[ModuleName]Module `json:"modules"`
	PainPoints         []any                 `json:"painPoints"`
	Notes              string                `json:"notes"`
	Phase              string                `json:"phase,omitempty"`
	Status             string                `json:"status,omitempty"`
	ImplementationSpec map[string]any        `json:"implementationSpec,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// NewMeeting creates a meeting with all nine discovery modules as empty bags
func NewMeeting(meetingID, clientName string) *Meeting {
	modules := make(map[ModuleName]Module, len(DiscoveryModules))
	for _, name := range DiscoveryModules {
		modules[name] = Module{}
	}
	return &Meeting{
		MeetingID:  meetingID,
		ClientName: clientName,
		Modules:    modules,
		PainPoints: []any{},
		Phase:      PhaseDiscovery,
	}
}

// Module returns the named module bag, or nil when absent
func (m *Meeting) Module(name ModuleName) Module {
	if m == nil || m.Modules == nil {
		return nil
	}
	return m.Modules[name]
}

// Clone returns a deep copy so callers never share module maps with the core
func (m *Meeting) Clone() *Meeting {
	if m == nil {
		return nil
	}
	out := *m
	if m.Modules != nil {
		out.Modules = make(map[ModuleName]Module, len(m.Modules))
		for name, mod := range m.Modules {
			out.Modules[name] = mod.Clone()
		}
	}
	if m.PainPoints != nil {
		out.PainPoints = cloneValue(m.PainPoints).([]any)
	}
	if m.ImplementationSpec != nil {
		out.ImplementationSpec = cloneValue(m.ImplementationSpec).(map[string]any)
	}
	if m.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

type meetingAlias Meeting

var meetingKnownKeys = map[string]struct{}{
	"meetingId":          {},
	"clientName":         {},
	"modules":            {},
	"painPoints":         {},
	"notes":              {},
	"phase":              {},
	"status":             {},
	"implementationSpec": {},
}

// UnmarshalJSON decodes the known fields and keeps the rest in Extra
func (m *Meeting) UnmarshalJSON(data []byte) error {
	var alias meetingAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if _, known := meetingKnownKeys[k]; known {
			continue
		}
		if alias.Extra == nil {
			alias.Extra = make(map[string]json.RawMessage)
		}
		alias.Extra[k] = v
	}

	*m = Meeting(alias)
	return nil
}

// MarshalJSON encodes the known fields merged with Extra
func (m Meeting) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(meetingAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(m.Extra)+len(meetingKnownKeys))
	for k, v := range m.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	case Module:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
