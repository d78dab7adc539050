package policy

import (
	"testing"

	"privacycam-go/internal/core/matcher"

	"github.com/stretchr/testify/assert"
)

func TestDecidePrecedence(t *testing.T) {
	known := matcher.Result{Known: true, Name: "alice"}
	unknown := matcher.Result{}

	tests := []struct {
		name        string
		match       matcher.Result
		cfg         Configuration
		capturePaid bool
		want        Decision
	}{
		{
			name:  "high privacy blurs unknown even with autoBlur off",
			match: unknown,
			cfg:   Configuration{PrivacyLevel: PrivacyLevelHigh, AutoBlur: false},
			want:  DecisionBlur,
		},
		{
			name:  "high privacy allows known face",
			match: known,
			cfg:   Configuration{PrivacyLevel: PrivacyLevelHigh},
			want:  DecisionAllow,
		},
		{
			name:  "autoBlur blurs unknown on low privacy",
			match: unknown,
			cfg:   Configuration{PrivacyLevel: PrivacyLevelLow, AutoBlur: true},
			want:  DecisionBlur,
		},
		{
			name:  "unknown passes through when autoBlur off and privacy low",
			match: unknown,
			cfg:   Configuration{PrivacyLevel: PrivacyLevelLow, AutoBlur: false},
			want:  DecisionAllow,
		},
		{
			name:  "blur outranks payment gating for unknown faces",
			match: unknown,
			cfg:   Configuration{PrivacyLevel: PrivacyLevelHigh, RequirePayment: true},
			want:  DecisionBlur,
		},
		{
			name:  "known face on unpaid capture is payment gated",
			match: known,
			cfg:   Configuration{PrivacyLevel: PrivacyLevelLow, RequirePayment: true},
			want:  DecisionGatePayment,
		},
		{
			name:        "paid capture lifts the payment gate",
			match:       known,
			cfg:         Configuration{PrivacyLevel: PrivacyLevelLow, RequirePayment: true},
			capturePaid: true,
			want:        DecisionAllow,
		},
		{
			name:  "medium privacy without autoBlur allows unknown",
			match: unknown,
			cfg:   Configuration{PrivacyLevel: PrivacyLevelMedium, AutoBlur: false},
			want:  DecisionAllow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.match, tt.cfg, tt.capturePaid)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecideIsPure(t *testing.T) {
	cfg := Configuration{PrivacyLevel: PrivacyLevelMedium, AutoBlur: true, RequirePayment: true}
	m := matcher.Result{Known: false, Distance: 0.73}

	first := Decide(m, cfg, false)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Decide(m, cfg, false))
	}
}

func TestSafeDefaults(t *testing.T) {
	cfg := SafeDefaults()

	assert.True(t, cfg.AutoBlur)
	assert.Equal(t, PrivacyLevelHigh, cfg.PrivacyLevel)
	assert.Equal(t, DefaultRetentionDays, cfg.DataRetentionDays)
	assert.False(t, cfg.RequirePayment)

	// Defaults never expose an unknown face.
	assert.Equal(t, DecisionBlur, Decide(matcher.Result{}, cfg, false))
}

func TestCoercePrice(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"0.5", "0.5"},
		{" 12.00 ", "12.00"},
		{"0", "0"},
		{"", ""},
		{"-1", ""},
		{"abc", ""},
		{"1,50", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CoercePrice(tt.raw), "price %q", tt.raw)
	}
}

func TestCoerceRetentionDays(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"1", 1},
		{"365", 365},
		{"30", 30},
		{"0", DefaultRetentionDays},
		{"366", DefaultRetentionDays},
		{"-5", DefaultRetentionDays},
		{"", DefaultRetentionDays},
		{"soon", DefaultRetentionDays},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CoerceRetentionDays(tt.raw), "retention %q", tt.raw)
	}
}

func TestCoercePrivacyLevel(t *testing.T) {
	assert.Equal(t, PrivacyLevelLow, CoercePrivacyLevel("low"))
	assert.Equal(t, PrivacyLevelMedium, CoercePrivacyLevel(" Medium "))
	assert.Equal(t, PrivacyLevelHigh, CoercePrivacyLevel("HIGH"))

	// Anything unrecognized hardens to high.
	assert.Equal(t, PrivacyLevelHigh, CoercePrivacyLevel(""))
	assert.Equal(t, PrivacyLevelHigh, CoercePrivacyLevel("paranoid"))
}
