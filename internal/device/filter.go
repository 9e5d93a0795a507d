package device

import (
	"fmt"
	"strings"
)

// Identity is the natural key of a peripheral. Two peripherals are the same
// device iff their identities are equal.
type Identity struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%s(%s)", id.Name, id.Address)
}

// TargetFilter selects one device or a class of devices. An empty field is a
// wildcard. The zero value matches everything.
type TargetFilter struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// NewTargetFilter returns a filter matching every device advertising name.
func NewTargetFilter(name string) TargetFilter {
	return TargetFilter{Name: name}
}

// WithAddress returns a copy of the filter narrowed to a single address.
func (f TargetFilter) WithAddress(address string) TargetFilter {
	f.Address = address
	return f
}

// Matches reports whether every present field of the filter equals the
// corresponding field of id. Addresses compare case-insensitively.
func (f TargetFilter) Matches(id Identity) bool {
	if f.Name != "" && f.Name != id.Name {
		return false
	}
	if f.Address != "" && !strings.EqualFold(f.Address, id.Address) {
		return false
	}
	return true
}

// IsZero reports whether the filter is a full wildcard.
func (f TargetFilter) IsZero() bool {
	return f.Name == "" && f.Address == ""
}

func (f TargetFilter) String() string {
	switch {
	case f.Address == "" && f.Name == "":
		return "*"
	case f.Address == "":
		return f.Name
	default:
		return f.Name + "@" + f.Address
	}
}

// ParseTargetFilter parses the "name", "name@address" or "@address" form.
func ParseTargetFilter(s string) (TargetFilter, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return TargetFilter{}, fmt.Errorf("target filter %q matches every device", s)
	}
	name, address, _ := strings.Cut(s, "@")
	f := TargetFilter{Name: strings.TrimSpace(name), Address: strings.TrimSpace(address)}
	if f.IsZero() {
		return TargetFilter{}, fmt.Errorf("target filter %q is empty", s)
	}
	return f, nil
}

// MatchAny tests id against filters in order and returns the first filter that
// matches.
func MatchAny(filters []TargetFilter, id Identity) (TargetFilter, bool) {
	for _, f := range filters {
		if f.Matches(id) {
			return f, true
		}
	}
	return TargetFilter{}, false
}

// SameFilters reports whether a and b contain the same filters, ignoring order
// and duplicates.
func SameFilters(a, b []TargetFilter) bool {
	return containsAll(a, b) && containsAll(b, a)
}

func containsAll(set, subset []TargetFilter) bool {
	for _, f := range subset {
		if !ContainsFilter(set, f) {
			return false
		}
	}
	return true
}

// ContainsFilter reports whether f is an element of filters.
func ContainsFilter(filters []TargetFilter, f TargetFilter) bool {
	for _, g := range filters {
		if g == f {
			return true
		}
	}
	return false
}
