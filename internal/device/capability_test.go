package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uartProfile() []Service {
	return []Service{
		{UUID: "180a", Characteristics: []Characteristic{{UUID: "2a29", Properties: PropRead}}},
		{UUID: "0000ffe0-0000-1000-8000-00805f9b34fb", Characteristics: []Characteristic{
			{UUID: "ffe1", Properties: PropNotify},
			{UUID: "ffe2", Properties: PropWriteWithoutResponse},
		}},
	}
}

func TestCapability_Validate(t *testing.T) {
	c, err := Capability{Service: "0xFFE0", Notify: "FFE1", Write: "0000ffe2-0000-1000-8000-00805f9b34fb"}.Validate()
	require.NoError(t, err)
	assert.Equal(t, "ffe0", c.Service)
	assert.Equal(t, "ffe1", c.Notify)
	assert.Equal(t, "ffe2", c.Write)
	assert.NotNil(t, c.ReplyTag, "Validate MUST install the default reply tag extractor")

	_, err = Capability{Service: "ffe0", Notify: "ffe1"}.Validate()
	assert.Error(t, err, "missing write endpoint MUST be rejected")
}

func TestCapability_Resolve(t *testing.T) {
	tests := []struct {
		name     string
		cap      Capability
		wantErr  bool
		resource string
	}{
		{name: "all endpoints present", cap: Capability{Service: "ffe0", Notify: "ffe1", Write: "ffe2"}},
		{name: "service absent", cap: Capability{Service: "fff0", Notify: "ffe1", Write: "ffe2"}, wantErr: true, resource: "service"},
		{name: "notify absent", cap: Capability{Service: "ffe0", Notify: "fff1", Write: "ffe2"}, wantErr: true, resource: "characteristic"},
		{name: "notify endpoint cannot notify", cap: Capability{Service: "ffe0", Notify: "ffe2", Write: "ffe2"}, wantErr: true, resource: "characteristic"},
		{name: "write endpoint cannot write", cap: Capability{Service: "ffe0", Notify: "ffe1", Write: "ffe1"}, wantErr: true, resource: "characteristic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cap.Resolve(uartProfile())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var nf *NotFoundError
			require.True(t, errors.As(err, &nf), "missing endpoint MUST be reported as NotFoundError")
			assert.Equal(t, tt.resource, nf.Resource)
		})
	}
}

func TestCapability_Tag(t *testing.T) {
	tag, ok := Capability{}.Tag([]byte{0x05, 0x01})
	assert.True(t, ok)
	assert.Equal(t, byte(0x05), tag)

	_, ok = Capability{}.Tag(nil)
	assert.False(t, ok, "empty payload MUST NOT produce a tag")

	custom := Capability{ReplyTag: func(p []byte) (byte, bool) {
		if len(p) < 2 {
			return 0, false
		}
		return p[1], true
	}}
	tag, ok = custom.Tag([]byte{0xAA, 0x09})
	assert.True(t, ok)
	assert.Equal(t, byte(0x09), tag)
}
