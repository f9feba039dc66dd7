// Package progress scores how much of a discovery meeting has been filled in.
//
// It uses its own emptiness predicate, distinct from the merge predicate: here
// 0 and false count as filled, and whitespace-only strings count as filled
// because only the exact empty string is treated as blank.
package progress

import (
	"math"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
)

// Weights caps how many fields each module contributes to the score
var Weights = map[entities.ModuleName]int{
	entities.ModuleOverview:        6,
	entities.ModuleLeadsAndSales:   5,
	entities.ModuleCustomerService: 6,
	entities.ModuleOperations:      6,
	entities.ModuleReporting:       4,
	entities.ModuleAIAgents:        3,
	entities.ModuleSystems:         3,
	entities.ModuleROI:             2,
	entities.ModulePlanning:        4,
}

// ModuleState summarizes one module's completion
type ModuleState string

const (
	StateEmpty      ModuleState = "empty"
	StateInProgress ModuleState = "in_progress"
	StateCompleted  ModuleState = "completed"
)

// ModuleProgress is the per-module breakdown behind the overall percentage
type ModuleProgress struct {
	Module    entities.ModuleName `json:"module"`
	Completed int                 `json:"completed"`
	Total     int                 `json:"total"`
	State     ModuleState         `json:"state"`
}

// IsFilled is the progress predicate
func IsFilled(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case entities.Module:
		return len(t) > 0
	default:
		return true
	}
}

// FilledCount counts the fields of a module that hold a value
func FilledCount(m entities.Module) int {
	n := 0
	for _, v := range m {
		if IsFilled(v) {
			n++
		}
	}
	return n
}

// Breakdown reports completion for each weighted module in display order
func Breakdown(m *entities.Meeting) []ModuleProgress {
	out := make([]ModuleProgress, 0, len(entities.DiscoveryModules))
	for _, name := range entities.DiscoveryModules {
		weight := Weights[name]
		filled := FilledCount(m.Module(name))

		state := StateEmpty
		switch {
		case filled >= weight && weight > 0:
			state = StateCompleted
		case filled > 0:
			state = StateInProgress
		}

		out = append(out, ModuleProgress{
			Module:    name,
			Completed: min(filled, weight),
			Total:     weight,
			State:     state,
		})
	}
	return out
}

// Compute returns the weighted completion percentage in [0, 100]
func Compute(m *entities.Meeting) int {
	var completed, total int
	for _, mp := range Breakdown(m) {
		completed += mp.Completed
		total += mp.Total
	}
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}

// ModulesCompleted counts modules whose filled fields reach their weight
func ModulesCompleted(m *entities.Meeting) int {
	n := 0
	for _, mp := range Breakdown(m) {
		if mp.State == StateCompleted {
			n++
		}
	}
	return n
}
