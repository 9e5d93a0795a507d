package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blepm/internal/device"
)

// advertisement adapts ble.Advertisement to device.Advertisement.
type advertisement struct {
	adv ble.Advertisement
}

func newAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &advertisement{adv: adv}
}

func (a *advertisement) LocalName() string { return a.adv.LocalName() }
func (a *advertisement) Connectable() bool { return a.adv.Connectable() }
func (a *advertisement) RSSI() int         { return a.adv.RSSI() }

func (a *advertisement) Addr() string {
	if a.adv.Addr() == nil {
		return ""
	}
	return a.adv.Addr().String()
}

func (a *advertisement) Services() []string {
	uuids := a.adv.Services()
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = device.NormalizeUUID(u.String())
	}
	return out
}
