package aqualink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractRegion(t *testing.T) {
	cases := []struct {
		name     string
		endpoint string
		want     string
	}{
		{"preferred c-prefixed form", "c-gru20-abc.discord.media:443", "gru"},
		{"scheme and port stripped", "wss://c-usw5-xyz.discord.media", "usw"},
		{"fallback dashed token", "node-sin1-1.example.com", "sin"},
		{"trailing digits only", "syd123.example.com", "syd"},
		{"no recognizable pattern", "example.com", "unknown"},
		{"empty input", "", "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractRegion(tc.endpoint))
		})
	}
}
