package testutils

import "github.com/srg/blepm/internal/device"

// FakeAdvertisement is a canned scan result.
type FakeAdvertisement struct {
	Name         string
	Address      string
	Rssi         int
	NotConnected bool
	ServiceUUIDs []string
}

func (a *FakeAdvertisement) LocalName() string  { return a.Name }
func (a *FakeAdvertisement) Addr() string       { return a.Address }
func (a *FakeAdvertisement) RSSI() int          { return a.Rssi }
func (a *FakeAdvertisement) Connectable() bool  { return !a.NotConnected }
func (a *FakeAdvertisement) Services() []string { return a.ServiceUUIDs }

var _ device.Advertisement = (*FakeAdvertisement)(nil)

// AdvertisementBuilder builds fake advertisements with a fluent API.
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder creates a connectable advertisement with RSSI -50.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: FakeAdvertisement{Rssi: -50}}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

// WithRSSI sets the signal strength.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

// WithServices sets the advertised service UUIDs.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append(b.adv.ServiceUUIDs, uuids...)
	return b
}

// WithConnectable sets the connectable flag.
func (b *AdvertisementBuilder) WithConnectable(connectable bool) *AdvertisementBuilder {
	b.adv.NotConnected = !connectable
	return b
}

// Build returns a copy of the configured advertisement.
func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := b.adv
	adv.ServiceUUIDs = append([]string(nil), b.adv.ServiceUUIDs...)
	return &adv
}
