package policy

import (
	"strconv"
	"strings"

	"privacycam-go/internal/core/matcher"
)

// Decision is the per-face outcome handed to the render layer.
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionBlur        Decision = "blur"
	DecisionGatePayment Decision = "gate_payment"
)

// PrivacyLevel grades how aggressively unknown faces are obscured.
type PrivacyLevel string

const (
	PrivacyLevelLow    PrivacyLevel = "low"
	PrivacyLevelMedium PrivacyLevel = "medium"
	PrivacyLevelHigh   PrivacyLevel = "high"
)

// DefaultRetentionDays is used when the collaborator payload carries no usable
// retention value.
const DefaultRetentionDays = 30

// Configuration is the validated privacy configuration the engine decides
// against. Mutations happen only through the settings service; a value still
// pending on-chain confirmation is readable (Pending=true) and never blocks.
type Configuration struct {
	AutoBlur          bool         `json:"autoBlur"`
	RequirePayment    bool         `json:"requirePayment"`
	Price             string       `json:"price"` // non-negative decimal as text, "" = unset
	PrivacyLevel      PrivacyLevel `json:"privacyLevel"`
	AllowDataSharing  bool         `json:"allowDataSharing"`
	DataRetentionDays int          `json:"dataRetentionDays"`
	Pending           bool         `json:"pending,omitempty"`
}

// SafeDefaults is the configuration used when no settings have ever loaded.
// Failure falls toward more privacy, never less.
func SafeDefaults() Configuration {
	return Configuration{
		AutoBlur:          true,
		PrivacyLevel:      PrivacyLevelHigh,
		DataRetentionDays: DefaultRetentionDays,
	}
}

// Decide maps one face's match result onto a decision. Pure: no hidden state,
// identical inputs always produce the identical decision.
//
// Precedence, first matching rule wins:
//  1. privacy level high and unknown face  -> Blur (autoBlur cannot defeat it)
//  2. autoBlur and unknown face            -> Blur
//  3. payment required, capture unpaid     -> GatePayment (per capture, not per face)
//  4. otherwise                            -> Allow
func Decide(m matcher.Result, cfg Configuration, capturePaid bool) Decision {
	if cfg.PrivacyLevel == PrivacyLevelHigh && !m.Known {
		return DecisionBlur
	}
	if cfg.AutoBlur && !m.Known {
		return DecisionBlur
	}
	if cfg.RequirePayment && !capturePaid {
		return DecisionGatePayment
	}
	return DecisionAllow
}

// CoercePrice validates a free-form price string: a non-negative decimal is
// kept in canonical trimmed form, anything else counts as unset.
func CoercePrice(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || value < 0 {
		return ""
	}
	return trimmed
}

// CoerceRetentionDays validates a free-form retention value; out-of-range or
// unparsable input falls back to the default.
func CoerceRetentionDays(raw string) int {
	trimmed := strings.TrimSpace(raw)
	days, err := strconv.Atoi(trimmed)
	if err != nil || days < 1 || days > 365 {
		return DefaultRetentionDays
	}
	return days
}

// CoercePrivacyLevel maps a free-form level onto the enum; anything
// unrecognized hardens to high.
func CoercePrivacyLevel(raw string) PrivacyLevel {
	switch PrivacyLevel(strings.ToLower(strings.TrimSpace(raw))) {
	case PrivacyLevelLow:
		return PrivacyLevelLow
	case PrivacyLevelMedium:
		return PrivacyLevelMedium
	case PrivacyLevelHigh:
		return PrivacyLevelHigh
	default:
		return PrivacyLevelHigh
	}
}
