package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuessCategories(t *testing.T) {
	tests := []struct {
		name     string
		clause   string
		expected []string
	}{
		{
			name:     "login maps to technical support",
			clause:   "i cannot login to the app",
			expected: []string{"Technical Support & Troubleshooting"},
		},
		{
			name:     "fees maps to payments",
			clause:   "what are the atm fees",
			expected: []string{"Payments & Transactions"},
		},
		{
			name:     "2fa maps to security",
			clause:   "how do i enable 2fa",
			expected: []string{"Security & Fraud Prevention"},
		},
		{
			name:   "kyc is ambiguous between registration and compliance",
			clause: "why do you need kyc documents",
			expected: []string{
				"Account & Registration",
				"Regulations & Compliance",
			},
		},
		{
			name:     "no match returns empty set",
			clause:   "tell me a joke",
			expected: nil,
		},
		{
			name:     "matching is case insensitive via normalization",
			clause:   "FORGOT PASSWORD on my phone",
			expected: []string{"Technical Support & Troubleshooting"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cats := GuessCategories(tt.clause)
			assert.Len(t, cats, len(tt.expected))
			for _, want := range tt.expected {
				assert.Contains(t, cats, want)
			}
		})
	}
}

func TestGuessCategoriesMultiIntent(t *testing.T) {
	// 一个子句可以同时命中多个类别。
	cats := GuessCategories("someone made an unauthorized payment from my account")
	assert.Contains(t, cats, "Security & Fraud Prevention")
	assert.Contains(t, cats, "Payments & Transactions")
}
