// Package validate checks parsed model output against a stage contract and
// repairs what can be repaired deterministically. Functions here do no I/O.
package validate

import (
	"fmt"
	"math"
	"regexp"
	"sort"

	"inferd/internal/contract"
	"inferd/internal/failure"
)

// Report lists what Apply changed or noticed. Applying again to a repaired
// object yields an empty Report.
type Report struct {
	DefaultsApplied []string `json:"defaults_applied,omitempty"`
	Repairs         []string `json:"repairs,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Relaxed         bool     `json:"relaxed,omitempty"`
}

// Empty reports whether nothing was applied, repaired or warned about.
func (r Report) Empty() bool {
	return len(r.DefaultsApplied) == 0 && len(r.Repairs) == 0 && len(r.Warnings) == 0
}

var conventions = map[string]*regexp.Regexp{
	"snake_case": regexp.MustCompile(`^[a-z][a-z0-9_]*$`),
}

// Apply validates obj in place. Missing or mistyped required fields are a
// StructuralValidationFailure naming the stage and field; optional fields are
// defaulted and recorded.
func Apply(obj map[string]any, c contract.Contract) (Report, error) {
	var r Report
	if obj == nil {
		return r, structural(c, "", "response is not a JSON object")
	}
	if c.Permissive {
		return r, nil
	}

	relaxed := false
	if c.Relaxed != nil {
		v, ok := obj[c.Relaxed.Flag]
		if !ok {
			return r, structural(c, c.Relaxed.Flag, "missing required field")
		}
		b, ok := v.(bool)
		if !ok {
			return r, structural(c, c.Relaxed.Flag, "must be a boolean, got %s", typeName(v))
		}
		relaxed = !b
		r.Relaxed = relaxed
	}

	for _, f := range c.Required {
		v, ok := obj[f.Name]
		if relaxed && c.Downstream(f.Name) {
			if !ok || !hasType(v, f) {
				obj[f.Name] = emptyOf(f.Type)
				r.DefaultsApplied = append(r.DefaultsApplied, f.Name)
			}
			continue
		}
		if !ok {
			return r, structural(c, f.Name, "missing required field")
		}
		if !hasType(v, f) {
			return r, structural(c, f.Name, "must be %s, got %s", f.Type, typeName(v))
		}
	}

	applyOptional(obj, c.Optional, "", &r)

	for _, l := range c.Lists {
		if relaxed && c.Downstream(l.Field) {
			continue
		}
		if err := applyList(obj, l, c, &r); err != nil {
			return r, err
		}
	}

	if relaxed {
		keys := make([]string, 0, len(c.Relaxed.Resets))
		for k := range c.Relaxed.Resets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			want := c.Relaxed.Resets[k]
			if cur, ok := obj[k]; !ok || !equalScalar(cur, want) {
				obj[k] = clone(want)
				r.Repairs = append(r.Repairs, fmt.Sprintf("%s reset for out-of-domain input", k))
			}
		}
	}

	if c.Singleton != nil && !(relaxed && c.Downstream(c.Singleton.List)) {
		r.Repairs = append(r.Repairs, enforceSingleton(obj, *c.Singleton)...)
	}

	for _, n := range c.Naming {
		r.Warnings = append(r.Warnings, checkNaming(obj, n)...)
	}
	return r, nil
}

// applyOptional fills absent or mistyped optional fields and repairs enum and
// range violations. prefix is the path of obj for reporting.
func applyOptional(obj map[string]any, fields []contract.Field, prefix string, r *Report) {
	for _, f := range fields {
		path := prefix + f.Name
		v, ok := obj[f.Name]
		switch {
		case !ok:
			obj[f.Name] = clone(f.Default)
			r.DefaultsApplied = append(r.DefaultsApplied, path)
			continue
		case !hasType(v, f):
			obj[f.Name] = clone(f.Default)
			r.DefaultsApplied = append(r.DefaultsApplied, path)
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s: expected %s, got %s; default applied", path, f.Type, typeName(v)))
			continue
		}
		if len(f.Enum) > 0 {
			if s, _ := v.(string); !contains(f.Enum, s) {
				obj[f.Name] = clone(f.Default)
				r.Repairs = append(r.Repairs, fmt.Sprintf("%s: %q not in %v", path, s, f.Enum))
				continue
			}
		}
		if n, isNum := number(v); isNum && (f.Min != nil || f.Max != nil) {
			c := n
			if f.Min != nil {
				c = math.Max(c, *f.Min)
			}
			if f.Max != nil {
				c = math.Min(c, *f.Max)
			}
			if c != n {
				obj[f.Name] = c
				r.Repairs = append(r.Repairs, fmt.Sprintf("%s clamped from %v to %v", path, n, c))
			}
		}
	}
}

func applyList(obj map[string]any, l contract.ListRule, c contract.Contract, r *Report) error {
	raw, ok := obj[l.Field]
	if !ok {
		// Optional lists are handled by applyOptional; nothing to check.
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return structural(c, l.Field, "must be array, got %s", typeName(raw))
	}
	if l.NonEmpty && len(items) == 0 {
		return structural(c, l.Field, "must not be empty")
	}
	for i, it := range items {
		path := fmt.Sprintf("%s[%d]", l.Field, i)
		m, ok := it.(map[string]any)
		if !ok {
			return structural(c, path, "must be object, got %s", typeName(it))
		}
		for _, f := range l.ItemRequired {
			v, ok := m[f.Name]
			if !ok {
				return structural(c, path+"."+f.Name, "missing required field")
			}
			if !hasType(v, f) {
				return structural(c, path+"."+f.Name, "must be %s, got %s", f.Type, typeName(v))
			}
		}
		applyOptional(m, l.ItemOptional, path+".", r)
	}
	return nil
}

// enforceSingleton leaves exactly one item of the list marked primary: the
// highest-scored among the marked items, or among all items when none is
// marked. Ties go to the earlier item.
func enforceSingleton(obj map[string]any, s contract.Singleton) []string {
	items, _ := obj[s.List].([]any)
	var all, marked []int
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		all = append(all, i)
		if v, _ := m[s.Field].(string); v == s.Primary {
			marked = append(marked, i)
		}
	}
	if len(all) == 0 || len(marked) == 1 {
		return nil
	}
	eligible := marked
	if len(eligible) == 0 {
		eligible = all
	}
	best := eligible[0]
	bestScore := score(items[best], s.Score)
	for _, i := range eligible[1:] {
		if sc := score(items[i], s.Score); sc > bestScore {
			best, bestScore = i, sc
		}
	}
	var out []string
	if len(marked) == 0 {
		items[best].(map[string]any)[s.Field] = s.Primary
		out = append(out, fmt.Sprintf("%s[%d] promoted to %s", s.List, best, s.Primary))
		return out
	}
	for _, i := range marked {
		if i == best {
			continue
		}
		items[i].(map[string]any)[s.Field] = s.DemoteTo
		out = append(out, fmt.Sprintf("%s[%d] demoted to %s", s.List, i, s.DemoteTo))
	}
	return out
}

func score(item any, field string) float64 {
	m, _ := item.(map[string]any)
	if n, ok := number(m[field]); ok {
		return n
	}
	return math.Inf(-1)
}

func checkNaming(obj map[string]any, n contract.Naming) []string {
	re, ok := conventions[n.Convention]
	if !ok {
		return []string{fmt.Sprintf("unknown naming convention %q", n.Convention)}
	}
	items, _ := obj[n.List].([]any)
	var out []string
	for i, it := range items {
		m, _ := it.(map[string]any)
		s, ok := m[n.Field].(string)
		if !ok || s == "" || re.MatchString(s) {
			continue
		}
		out = append(out, fmt.Sprintf("%s[%d].%s %q is not %s", n.List, i, n.Field, s, n.Convention))
	}
	return out
}

func structural(c contract.Contract, field, format string, args ...any) *failure.Error {
	e := failure.Newf(failure.StructuralValidationFailure, "validate", format, args...)
	e.Stage = string(c.Stage)
	e.Field = field
	return e
}
