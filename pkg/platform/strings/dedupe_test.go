package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "no values",
			input:    nil,
			expected: nil,
		},
		{
			name:     "only separators and blanks",
			input:    []string{" , ,", ""},
			expected: nil,
		},
		{
			name:     "trims whitespace",
			input:    []string{"  k1:9092 , k2:9092"},
			expected: []string{"k1:9092", "k2:9092"},
		},
		{
			name:     "merges repeated query values",
			input:    []string{"approved,overdue", "approved", "returned"},
			expected: []string{"approved", "overdue", "returned"},
		},
		{
			name:     "comparison is case sensitive",
			input:    []string{"Approved,approved"},
			expected: []string{"Approved", "approved"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.input...))
		})
	}
}
