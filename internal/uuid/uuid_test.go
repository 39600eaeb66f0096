package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := New()
		require.True(t, IsValid(id), "generated %q", id)
		require.False(t, seen[id], "duplicate %q", id)
		seen[id] = true
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"v4", "3f2b8c1e-9a4d-4e6f-8b2a-1c3d5e7f9a0b", true},
		{"upper case", "3F2B8C1E-9A4D-4E6F-8B2A-1C3D5E7F9A0B", false},
		{"v1", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"garbage", "not-a-uuid", false},
		{"empty", "", false},
		{"no dashes", "3f2b8c1e9a4d4e6f8b2a1c3d5e7f9a0b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.Equal(t, tt.ok, err == nil, "err=%v", err)
			assert.Equal(t, tt.ok, IsValid(tt.input))
		})
	}
}
