// Package scope models the capability a requester may exercise: which tools,
// which operation verbs, and free-form resource constraints.
package scope

import (
	"encoding/json"
	"strings"
)

// Set is an ordered, duplicate-free set of normalized names. Order is the
// order in which names were first added, which policy evaluation relies on.
type Set struct {
	items []string
	index map[string]struct{}
}

// NewSet builds a set from names. Names are trimmed and lower-cased; empty
// names and duplicates are dropped.
func NewSet(names ...string) Set {
	var s Set
	for _, n := range names {
		s.add(n)
	}
	return s
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (s *Set) add(name string) {
	name = normalize(name)
	if name == "" {
		return
	}
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	if _, ok := s.index[name]; ok {
		return
	}
	s.index[name] = struct{}{}
	s.items = append(s.items, name)
}

// Len returns the number of members.
func (s Set) Len() int { return len(s.items) }

// Items returns a copy of the members in insertion order.
func (s Set) Items() []string {
	return append([]string(nil), s.items...)
}

// Contains reports whether name (normalized) is a member.
func (s Set) Contains(name string) bool {
	_, ok := s.index[normalize(name)]
	return ok
}

// ContainsAny reports whether any member is in names.
func (s Set) ContainsAny(names map[string]struct{}) bool {
	for _, item := range s.items {
		if _, ok := names[item]; ok {
			return true
		}
	}
	return false
}

// Intersect returns the members of s that are also in other, in s's order.
func (s Set) Intersect(other Set) Set {
	var out Set
	for _, item := range s.items {
		if other.Contains(item) {
			out.add(item)
		}
	}
	return out
}

// SubsetOf reports whether every member of s is in other.
func (s Set) SubsetOf(other Set) bool {
	for _, item := range s.items {
		if !other.Contains(item) {
			return false
		}
	}
	return true
}

// Equal reports whether both sets hold the same members in the same order.
func (s Set) Equal(other Set) bool {
	if len(s.items) != len(other.items) {
		return false
	}
	for i := range s.items {
		if s.items[i] != other.items[i] {
			return false
		}
	}
	return true
}

func (s Set) MarshalJSON() ([]byte, error) {
	if s.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewSet(names...)
	return nil
}

// Scope is the capability value object used by policy evaluation,
// attenuation and delegate token minting.
type Scope struct {
	AllowedTools        Set            `json:"allowed_tools"`
	Operations          Set            `json:"operations"`
	ResourceConstraints map[string]any `json:"resource_constraints,omitempty"`
}

// New is a convenience constructor.
func New(tools, operations []string, constraints map[string]any) Scope {
	return Scope{
		AllowedTools:        NewSet(tools...),
		Operations:          NewSet(operations...),
		ResourceConstraints: constraints,
	}
}

// Clone returns a copy that shares nothing mutable with sc. Constraint
// values are copied shallowly.
func (sc Scope) Clone() Scope {
	out := Scope{
		AllowedTools: NewSet(sc.AllowedTools.items...),
		Operations:   NewSet(sc.Operations.items...),
	}
	if sc.ResourceConstraints != nil {
		out.ResourceConstraints = make(map[string]any, len(sc.ResourceConstraints))
		for k, v := range sc.ResourceConstraints {
			out.ResourceConstraints[k] = v
		}
	}
	return out
}

// SubsetOf reports whether sc's tools and operations are both contained in
// parent's. Resource constraints are not compared.
func (sc Scope) SubsetOf(parent Scope) bool {
	return sc.AllowedTools.SubsetOf(parent.AllowedTools) && sc.Operations.SubsetOf(parent.Operations)
}

// IsEmpty reports whether the scope grants no tools and no operations.
func (sc Scope) IsEmpty() bool {
	return sc.AllowedTools.Len() == 0 && sc.Operations.Len() == 0
}

// Parse decodes a JSON scope document.
func Parse(data []byte) (Scope, error) {
	var sc Scope
	if err := json.Unmarshal(data, &sc); err != nil {
		return Scope{}, err
	}
	return sc, nil
}
