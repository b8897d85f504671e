package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetApexDomain(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"example.com.", "example.com"},
		{"www.example.com", "example.com"},
		{"api.service.example.com", "example.com"},
		{"www.example.co.uk", "example.co.uk"},
		{"subdomain.user.github.io", "user.github.io"},
		{"ads.tracker.example", "tracker.example"},
		{"localhost", "localhost"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, GetApexDomain(tt.input))
		})
	}
}
