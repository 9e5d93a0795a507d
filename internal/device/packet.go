package device

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Packet is an immutable command payload. Type is the tag a peripheral echoes
// in its reply so the reply can be correlated to the command that caused it.
type Packet struct {
	typ  byte
	data []byte
}

// NewPacket copies data into a new packet tagged typ.
func NewPacket(typ byte, data []byte) Packet {
	return Packet{typ: typ, data: bytes.Clone(data)}
}

// ParseHexPacket builds a packet from hex text. Whitespace, ':' and '-'
// separators and an optional 0x prefix are accepted ("AA 01 FF", "aa:01:ff").
func ParseHexPacket(typ byte, text string) (Packet, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "-", "", "\t", "", "\n", "").Replace(text)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if clean == "" {
		return Packet{}, fmt.Errorf("empty hex payload")
	}
	if len(clean)%2 != 0 {
		return Packet{}, fmt.Errorf("hex payload %q has odd length", text)
	}
	data, err := hex.DecodeString(clean)
	if err != nil {
		return Packet{}, fmt.Errorf("invalid hex payload %q: %w", text, err)
	}
	return Packet{typ: typ, data: data}, nil
}

// Type returns the correlation tag.
func (p Packet) Type() byte { return p.typ }

// Bytes returns a copy of the payload.
func (p Packet) Bytes() []byte { return bytes.Clone(p.data) }

// Len returns the payload length.
func (p Packet) Len() int { return len(p.data) }

// Equal compares payloads byte for byte.
func (p Packet) Equal(other Packet) bool {
	return bytes.Equal(p.data, other.data)
}

// Hex renders the payload as space separated upper case hex.
func (p Packet) Hex() string {
	if len(p.data) == 0 {
		return ""
	}
	var b strings.Builder
	for i, v := range p.data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

func (p Packet) String() string {
	return fmt.Sprintf("[%02X] %s", p.typ, p.Hex())
}
