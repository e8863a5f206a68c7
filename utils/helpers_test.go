package utils

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
)

func TestExtractCallerPhone(t *testing.T) {
	tests := []struct {
		name     string
		headers  []sip.Header
		expected string
	}{
		{
			name:     "plain number",
			headers:  []sip.Header{sip.NewHeader("From", "<sip:+15551234567@example.com>")},
			expected: "+15551234567",
		},
		{
			name:     "extension",
			headers:  []sip.Header{sip.NewHeader("From", "<sip:100@10.0.0.1:5060>")},
			expected: "100",
		},
		{
			name:     "no from header",
			headers:  []sip.Header{sip.NewHeader("To", "<sip:100@10.0.0.1>")},
			expected: "unknown",
		},
		{
			name:     "unparseable from",
			headers:  []sip.Header{sip.NewHeader("From", "Anonymous")},
			expected: "unknown",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ExtractCallerPhone(tc.headers))
		})
	}
}

func TestGenerateCallID(t *testing.T) {
	a := GenerateCallID()
	b := GenerateCallID()

	assert.True(t, strings.HasPrefix(a, "call_"))
	assert.NotEqual(t, a, b)
}
