package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/blepm/internal/device"
)

// CharacteristicConfig represents a GATT characteristic configuration for fakes
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
}

// ServiceConfig represents a GATT service configuration for fakes
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// ProfileConfig represents the complete GATT profile a fake peripheral exposes
type ProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ProfileBuilder builds the discovered profile returned by FakeLink.DiscoverServices
type ProfileBuilder struct {
	profile ProfileConfig
}

// NewProfileBuilder creates an empty profile builder
func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{}
}

// UARTProfile is the FFE0/FFE1/FFE2 serial profile used by most tests.
func UARTProfile() []device.Service {
	return NewProfileBuilder().
		WithService("ffe0").
		WithCharacteristic("ffe1", "notify").
		WithCharacteristic("ffe2", "write-without-response").
		Build()
}

// UARTCapability matches UARTProfile.
func UARTCapability() device.Capability {
	return device.Capability{Service: "ffe0", Notify: "ffe1", Write: "ffe2"}
}

// WithService adds a service to the profile
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string) *ProfileBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties})
	return b
}

// FromJSON fills the profile from JSON
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config ProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = config
	return b
}

// Build converts the configuration into discovered services
func (b *ProfileBuilder) Build() []device.Service {
	services := make([]device.Service, 0, len(b.profile.Services))
	for _, sc := range b.profile.Services {
		svc := device.Service{UUID: sc.UUID}
		for _, cc := range sc.Characteristics {
			props, err := device.ParseProperties(cc.Properties)
			if err != nil {
				panic(fmt.Sprintf("ProfileBuilder.Build: %v", err))
			}
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{UUID: cc.UUID, Properties: props})
		}
		services = append(services, svc)
	}
	return services
}
