package model

// Severity is the ranked risk tier used by violations, risk levels and
// audit events.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityRank maps severity to a comparable integer for monotonic escalation.
var SeverityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// MaxSeverity returns the highest of the given severities (low when empty).
func MaxSeverity(levels ...Severity) Severity {
	out := SeverityLow
	for _, s := range levels {
		if SeverityRank[s] > SeverityRank[out] {
			out = s
		}
	}
	return out
}

// AtLeast reports whether s is ranked at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return SeverityRank[s] >= SeverityRank[min]
}

// Classification is a tenant's data classification and doubles as the
// caller's data access level in response filtering.
type Classification string

const (
	ClassPublic       Classification = "public"
	ClassInternal     Classification = "internal"
	ClassConfidential Classification = "confidential"
	ClassRestricted   Classification = "restricted"
)

// ClassRank orders classifications from least to most sensitive.
var ClassRank = map[Classification]int{
	ClassPublic:       0,
	ClassInternal:     1,
	ClassConfidential: 2,
	ClassRestricted:   3,
}

// Tier is a tenant's subscription tier.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// TierRank orders tiers by entitlement.
var TierRank = map[Tier]int{
	TierBasic:      0,
	TierPremium:    1,
	TierEnterprise: 2,
}

// SanitizationLevel selects how aggressively request data is scrubbed.
type SanitizationLevel string

const (
	LevelBasic    SanitizationLevel = "basic"
	LevelStandard SanitizationLevel = "standard"
	LevelStrict   SanitizationLevel = "strict"
	LevelMaximum  SanitizationLevel = "maximum"
)

// LevelRank orders sanitization levels by strictness.
var LevelRank = map[SanitizationLevel]int{
	LevelBasic:    0,
	LevelStandard: 1,
	LevelStrict:   2,
	LevelMaximum:  3,
}

// Valid reports whether l is a known level.
func (l SanitizationLevel) Valid() bool {
	_, ok := LevelRank[l]
	return ok
}

// AtLeast reports whether l is at or above min.
func (l SanitizationLevel) AtLeast(min SanitizationLevel) bool {
	return LevelRank[l] >= LevelRank[min]
}
