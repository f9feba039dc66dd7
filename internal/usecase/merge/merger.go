package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
)

// ModuleResult reports what happened to one module during a merge
type ModuleResult struct {
	Module  entities.ModuleName `json:"module"`
	Merged  entities.Module     `json:"-"`
	Filled  []string            `json:"filled"`
	Skipped []string            `json:"skipped"`
}

// Result is the outcome of merging a whole extracted field set
type Result struct {
	// Modules holds a copy of every input module, with merged modules replaced
	Modules      map[entities.ModuleName]entities.Module `json:"-"`
	Reports      []ModuleResult                          `json:"modules"`
	TotalFilled  int                                     `json:"total_filled"`
	TotalSkipped int                                     `json:"total_skipped"`
}

// Changed reports whether any field was filled
func (r Result) Changed() bool {
	return r.TotalFilled > 0
}

// IsEmpty is the merge emptiness predicate. A field holding 0 or false is an
// answer and blocks an overwrite.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case entities.Module:
		return len(t) == 0
	default:
		return false
	}
}

// MergeModule copies incoming values into empty fields of existing. Keys that
// already hold a value are reported as skipped and left untouched.
//
// Only non-empty incoming values take part. A key present in incoming with an
// empty value ("", whitespace, [] or {}) is neither filled nor skipped, even
// when the existing field is empty or missing too.
func MergeModule(existing, incoming entities.Module) ModuleResult {
	merged := existing.Clone()
	if merged == nil {
		merged = entities.Module{}
	}

	res := ModuleResult{
		Merged:  merged,
		Filled:  []string{},
		Skipped: []string{},
	}

	for _, key := range incoming.Keys() {
		// an empty value would still be empty next pass and be filled again
		value := incoming[key]
		if IsEmpty(value) {
			continue
		}
		if IsEmpty(existing[key]) {
			merged[key] = value
			res.Filled = append(res.Filled, key)
		} else {
			res.Skipped = append(res.Skipped, key)
		}
	}
	return res
}

// MergeAll merges every module present in extracted into modules. Extracted
// module values must be JSON objects; anything else is rejected before any
// module is touched.
func MergeAll(modules map[entities.ModuleName]entities.Module, extracted entities.ExtractedFieldSet) (Result, error) {
	bags, err := normalize(extracted)
	if err != nil {
		return Result{}, err
	}

	out := Result{
		Modules: make(map[entities.ModuleName]entities.Module, len(modules)),
		Reports: []ModuleResult{},
	}
	for name, mod := range modules {
		out.Modules[name] = mod.Clone()
	}

	for _, name := range sortedModuleNames(bags) {
		incoming := bags[name]
		if IsEmpty(map[string]any(incoming)) {
			continue
		}

		res := MergeModule(modules[name], incoming)
		res.Module = name
		if len(res.Filled) > 0 {
			out.Modules[name] = res.Merged
		}

		out.Reports = append(out.Reports, res)
		out.TotalFilled += len(res.Filled)
		out.TotalSkipped += len(res.Skipped)
	}
	return out, nil
}

// Describe renders a one-line summary of a merge for notifications
func Describe(r Result) string {
	if r.TotalFilled == 0 {
		return "No empty fields were filled; relevant fields already hold answers."
	}

	var names []string
	for _, rep := range r.Reports {
		if len(rep.Filled) > 0 {
			names = append(names, string(rep.Module))
		}
	}

	desc := fmt.Sprintf("Filled %d fields in %d modules: %s.", r.TotalFilled, len(names), strings.Join(names, ", "))
	if r.TotalSkipped > 0 {
		desc += fmt.Sprintf(" %d fields skipped because they already hold data.", r.TotalSkipped)
	}
	return desc
}

func normalize(extracted entities.ExtractedFieldSet) (map[entities.ModuleName]entities.Module, error) {
	bags := make(map[entities.ModuleName]entities.Module, len(extracted))
	for name, raw := range extracted {
		switch v := raw.(type) {
		case nil:
			continue
		case map[string]any:
			bags[name] = entities.Module(v)
		case entities.Module:
			bags[name] = v
		default:
			return nil, &entities.ValidationError{
				Field:  "extracted." + string(name),
				Reason: fmt.Sprintf("module value must be an object, got %T", raw),
			}
		}
	}
	return bags, nil
}

func sortedModuleNames(bags map[entities.ModuleName]entities.Module) []entities.ModuleName {
	names := make([]entities.ModuleName, 0, len(bags))
	for name := range bags {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
