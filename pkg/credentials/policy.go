package credentials

import (
	"strings"
	"unicode"
)

// Strength classifies how strong a valid password is
type Strength string

// Password strength levels
const (
	StrengthWeak   Strength = "weak"
	StrengthMedium Strength = "medium"
	StrengthStrong Strength = "strong"
)

// Policy holds the configurable password requirements
type Policy struct {
	MinLength      int
	MaxLength      int
	RequireLower   bool
	RequireUpper   bool
	RequireDigit   bool
	RequireSpecial bool
}

// DefaultPolicy returns the policy applied when configuration does not
// override it.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:    8,
		MaxLength:    128,
		RequireLower: true,
		RequireUpper: true,
		RequireDigit: true,
	}
}

// ValidationResult reports the outcome of a policy check
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Strength Strength `json:"strength,omitempty"`
}

// Validate checks the password against the policy and the denylist.
// Strength is only computed for valid passwords: strong means all four
// character classes and length >= 12, medium means one of those two
// conditions holds.
func (p Policy) Validate(password string, denylist *Denylist) ValidationResult {
	var errs []string

	if len(password) < p.MinLength {
		errs = append(errs, "password is too short")
	}
	if p.MaxLength > 0 && len(password) > p.MaxLength {
		errs = append(errs, "password is too long")
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}

	if p.RequireLower && !hasLower {
		errs = append(errs, "password must contain a lowercase letter")
	}
	if p.RequireUpper && !hasUpper {
		errs = append(errs, "password must contain an uppercase letter")
	}
	if p.RequireDigit && !hasDigit {
		errs = append(errs, "password must contain a digit")
	}
	if p.RequireSpecial && !hasSpecial {
		errs = append(errs, "password must contain a special character")
	}

	if denylist != nil {
		if match := denylist.Match(password); match != "" {
			errs = append(errs, "password contains a commonly used password ("+match+")")
		}
	}

	result := ValidationResult{Valid: len(errs) == 0, Errors: errs}
	if !result.Valid {
		return result
	}

	allClasses := hasLower && hasUpper && hasDigit && hasSpecial
	longEnough := len(password) >= 12
	switch {
	case allClasses && longEnough:
		result.Strength = StrengthStrong
	case allClasses || longEnough:
		result.Strength = StrengthMedium
	default:
		result.Strength = StrengthWeak
	}
	return result
}

// normalize lowercases a candidate for denylist comparison
func normalize(s string) string {
	return strings.ToLower(s)
}
