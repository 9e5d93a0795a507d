package device

import "fmt"

// ReplyTagFunc extracts the correlation tag from a notification payload. It
// returns false for payloads that do not acknowledge a command.
type ReplyTagFunc func(payload []byte) (byte, bool)

// FirstByteTag treats the first byte of every non-empty notification as the tag.
func FirstByteTag(payload []byte) (byte, bool) {
	if len(payload) == 0 {
		return 0, false
	}
	return payload[0], true
}

// Capability describes which GATT endpoints a peripheral exposes for the
// command/notification exchange.
type Capability struct {
	Service string `yaml:"service"`
	Notify  string `yaml:"notify"`
	Write   string `yaml:"write"`

	ReplyTag ReplyTagFunc `yaml:"-"`
}

// Validate checks that all endpoints are present and normalizes them.
func (c Capability) Validate() (Capability, error) {
	ids, err := ValidateUUID(c.Service, c.Notify, c.Write)
	if err != nil {
		return Capability{}, fmt.Errorf("invalid capability: %w", err)
	}
	c.Service, c.Notify, c.Write = ids[0], ids[1], ids[2]
	if c.ReplyTag == nil {
		c.ReplyTag = FirstByteTag
	}
	return c, nil
}

// Tag applies the reply tag extractor, falling back to FirstByteTag.
func (c Capability) Tag(payload []byte) (byte, bool) {
	if c.ReplyTag == nil {
		return FirstByteTag(payload)
	}
	return c.ReplyTag(payload)
}

func (c Capability) String() string {
	return fmt.Sprintf("service=%s notify=%s write=%s", ShortenUUID(c.Service), ShortenUUID(c.Notify), ShortenUUID(c.Write))
}

// Resolve checks a discovered profile against the capability and returns an
// error naming the first missing endpoint.
func (c Capability) Resolve(services []Service) error {
	svc, ok := FindService(services, c.Service)
	if !ok {
		return &NotFoundError{Resource: "service", UUIDs: []string{c.Service}}
	}
	notify, ok := svc.Characteristic(c.Notify)
	if !ok || (notify.Properties != 0 && !notify.Properties.CanNotify()) {
		return &NotFoundError{Resource: "characteristic", UUIDs: []string{c.Service, c.Notify}}
	}
	write, ok := svc.Characteristic(c.Write)
	if !ok || (write.Properties != 0 && !write.Properties.CanWrite()) {
		return &NotFoundError{Resource: "characteristic", UUIDs: []string{c.Service, c.Write}}
	}
	return nil
}
