package manager

import (
	"fmt"

	"github.com/srg/blepm/internal/device"
)

// Profile binds a capability to the devices a filter matches.
type Profile struct {
	Name       string
	Filter     device.TargetFilter
	Capability device.Capability
}

// profiles resolves the capability a device is driven with.
type profiles struct {
	fallback device.Capability
	list     []Profile
}

func newProfiles(fallback device.Capability, list []Profile) (profiles, error) {
	var out profiles
	if fallback.Service != "" {
		c, err := fallback.Validate()
		if err != nil {
			return out, fmt.Errorf("default capability: %w", err)
		}
		out.fallback = c
	}
	for i, p := range list {
		c, err := p.Capability.Validate()
		if err != nil {
			name := p.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return out, fmt.Errorf("profile %s: %w", name, err)
		}
		p.Capability = c
		out.list = append(out.list, p)
	}
	if out.fallback.Service == "" && len(out.list) == 0 {
		return out, fmt.Errorf("no capability configured")
	}
	return out, nil
}

// lookup returns the capability of the first profile matching id, or the
// default capability.
func (ps profiles) lookup(id device.Identity) (device.Capability, bool) {
	for _, p := range ps.list {
		if p.Filter.Matches(id) {
			return p.Capability, true
		}
	}
	return ps.fallback, ps.fallback.Service != ""
}
