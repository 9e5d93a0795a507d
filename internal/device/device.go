package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// LinkState represents the specific kind of link state failure
type LinkState string

const (
	NotConnected     LinkState = "not_connected"
	AlreadyConnected LinkState = "already_connected"
	RadioOff         LinkState = "radio_off"
)

// ConnectionError represents any link-related problem reported by a transport
type ConnectionError struct {
	State LinkState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for link states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{State: RadioOff, Msg: "bluetooth is turned off"}
)

// PreconditionError is returned synchronously when discovery or connection
// cannot even be attempted.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Reason == "" {
		return "precondition unmet"
	}
	return "precondition unmet: " + e.Reason
}

// Is matches any PreconditionError, so errors.Is(err, ErrPreconditionUnmet) works for every reason.
func (e *PreconditionError) Is(target error) bool {
	_, ok := target.(*PreconditionError)
	return ok
}

// TimeoutError reports a command that was never acknowledged.
type TimeoutError struct {
	Packet   Packet
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s not acknowledged after %d attempts", e.Packet, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrCommandTimeout
}

// High level outcome taxonomy. Transport errors are converted into one of these
// before they reach a subscriber.
var (
	ErrPreconditionUnmet    = &PreconditionError{}
	ErrScanFailure          = errors.New("scan failure")
	ErrConnectFailure       = errors.New("connect failure")
	ErrCommandTimeout       = errors.New("command timeout")
	ErrUnexpectedDisconnect = errors.New("unexpected disconnect")
	ErrUnsupported          = errors.New("unsupported")
)

// IsLinkState reports whether err is a ConnectionError with the given state
func IsLinkState(err error, state LinkState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ContainsIgnoreCase checks the substring case-insensitively. Transports use it
// to map driver messages onto the sentinels above.
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Advertisement is a single raw scan result.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	Services() []string
}

// IdentityOf returns the natural key of the advertising peripheral.
func IdentityOf(adv Advertisement) Identity {
	return Identity{Name: adv.LocalName(), Address: adv.Addr()}
}

// Scanner is the scan half of a transport. Scan blocks until ctx is cancelled
// or the scan fails; handler may be called from any goroutine.
type Scanner interface {
	Scan(ctx context.Context, handler func(Advertisement)) error
}

// Transport is everything the session layer consumes from the radio driver.
type Transport interface {
	Scanner

	// Connect opens a link to the peripheral at address. It returns once the
	// link layer reports connected.
	Connect(ctx context.Context, address string) (Link, error)
}

// Link is one open connection to a peripheral.
type Link interface {
	Address() string

	// DiscoverServices negotiates the GATT profile.
	DiscoverServices(ctx context.Context) ([]Service, error)

	// EnableNotifications writes the client configuration descriptor of the
	// characteristic and returns when the write is acknowledged.
	EnableNotifications(ctx context.Context, service, characteristic string, handler func([]byte)) error

	// Write sends data to the characteristic without waiting for a response.
	Write(service, characteristic string, data []byte) error

	// Disconnected is closed when the link drops for any reason.
	Disconnected() <-chan struct{}

	Close() error
}

// Service is a discovered GATT service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID       string
	Properties Properties
}

// Characteristic looks a characteristic up by UUID. UUIDs are compared normalized.
func (s Service) Characteristic(uuid string) (Characteristic, bool) {
	want := NormalizeUUID(uuid)
	for _, c := range s.Characteristics {
		if NormalizeUUID(c.UUID) == want {
			return c, true
		}
	}
	return Characteristic{}, false
}

// FindService looks a service up by UUID.
func FindService(services []Service, uuid string) (Service, bool) {
	want := NormalizeUUID(uuid)
	for _, s := range services {
		if NormalizeUUID(s.UUID) == want {
			return s, true
		}
	}
	return Service{}, false
}

// Properties is a bit set of characteristic properties.
type Properties uint8

const (
	PropRead Properties = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

func (p Properties) CanNotify() bool { return p&(PropNotify|PropIndicate) != 0 }
func (p Properties) CanWrite() bool  { return p&(PropWrite|PropWriteWithoutResponse) != 0 }

func (p Properties) String() string {
	var parts []string
	names := []struct {
		bit  Properties
		name string
	}{
		{PropRead, "read"},
		{PropWrite, "write"},
		{PropWriteWithoutResponse, "write-without-response"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	}
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseProperties parses a comma separated property list such as "read,notify".
func ParseProperties(s string) (Properties, error) {
	var p Properties
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "":
		case "read":
			p |= PropRead
		case "write":
			p |= PropWrite
		case "write-without-response", "writenr":
			p |= PropWriteWithoutResponse
		case "notify":
			p |= PropNotify
		case "indicate":
			p |= PropIndicate
		default:
			return 0, fmt.Errorf("unknown characteristic property %q", part)
		}
	}
	return p, nil
}
