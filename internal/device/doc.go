// Package device holds the domain vocabulary shared by every layer of blepm:
// peripheral identities and target filters, command packets, capability
// descriptors, connection states, the error taxonomy and the contract a
// radio transport has to satisfy.
//
// Concrete transports live in sub-packages:
//   - go-ble: github.com/go-ble/ble (CoreBluetooth on macOS, HCI sockets on Linux)
//   - tinygo: tinygo.org/x/bluetooth (BlueZ on Linux, CoreBluetooth on macOS, WinRT)
package device
