package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "16-bit UUID", input: "2902", expected: "2902"},
		{name: "16-bit UUID with 0x prefix", input: "0x2902", expected: "2902"},
		{name: "16-bit UUID with 0X prefix", input: "0X2902", expected: "2902"},
		{name: "SIG base UUID with dashes", input: "0000180d-0000-1000-8000-00805f9b34fb", expected: "180d"},
		{name: "SIG base UUID uppercase", input: "0000FFE0-0000-1000-8000-00805F9B34FB", expected: "ffe0"},
		{name: "SIG base UUID without dashes", input: "0000290200001000800000805f9b34fb", expected: "2902"},
		{name: "custom UUID keeps full form", input: "6e400001-b5a3-f393-e0a9-e50e24dcca9e", expected: "6e400001b5a3f393e0a9e50e24dcca9e"},
		{name: "wrong prefix is not shortened", input: "AA002902-0000-1000-8000-00805f9b34fb", expected: "aa00290200001000800000805f9b34fb"},
		{name: "32-bit UUID", input: "12345678", expected: "12345678"},
		{name: "surrounding whitespace", input: "  FFE1 ", expected: "ffe1"},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	result := NormalizeUUIDs([]string{"0xFFE0", "0000ffe1-0000-1000-8000-00805f9b34fb"})
	assert.Equal(t, []string{"ffe0", "ffe1"}, result)
}

func TestValidateUUID(t *testing.T) {
	t.Run("normalizes valid input", func(t *testing.T) {
		ids, err := ValidateUUID("FFE0", "0x2A37", "6e400001-b5a3-f393-e0a9-e50e24dcca9e")
		require.NoError(t, err)
		assert.Equal(t, []string{"ffe0", "2a37", "6e400001b5a3f393e0a9e50e24dcca9e"}, ids)
	})

	t.Run("rejects empty list", func(t *testing.T) {
		_, err := ValidateUUID()
		assert.Error(t, err, "empty UUID list MUST be rejected")
	})

	t.Run("rejects empty element", func(t *testing.T) {
		_, err := ValidateUUID("ffe0", "")
		assert.ErrorContains(t, err, "index 1")
	})

	t.Run("rejects non hex", func(t *testing.T) {
		_, err := ValidateUUID("zzzz")
		assert.ErrorContains(t, err, "invalid UUID format")
	})

	t.Run("rejects odd length", func(t *testing.T) {
		_, err := ValidateUUID("ffe")
		assert.Error(t, err)
	})
}

func TestExpandUUID(t *testing.T) {
	assert.Equal(t, "0000ffe0-0000-1000-8000-00805f9b34fb", ExpandUUID("FFE0"))
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", ExpandUUID("6E400001B5A3F393E0A9E50E24DCCA9E"))
	assert.Equal(t, "12345678-0000-1000-8000-00805f9b34fb", ExpandUUID("12345678"))
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "6e400001", ShortenUUID("6e400001b5a3f393e0a9e50e24dcca9e"))
	assert.Equal(t, "ffe0", ShortenUUID("ffe0"))
}
