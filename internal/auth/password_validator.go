package auth

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is the minimum required password length in characters
	MinPasswordLength = 8
	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
	// SpecialCharacters is the set of characters accepted as special
	SpecialCharacters = "!@#$%^&*()-_=+[]{}|;:,.<>?/~`"
)

// Violation names one failed password rule
type Violation string

const (
	ViolationTooShort           Violation = "too_short"
	ViolationMissingUppercase   Violation = "missing_uppercase"
	ViolationMissingLowercase   Violation = "missing_lowercase"
	ViolationMissingDigit       Violation = "missing_digit"
	ViolationMissingSpecialChar Violation = "missing_special_char"
)

var violationMessages = map[Violation]string{
	ViolationTooShort:           "Password must be at least 8 characters long",
	ViolationMissingUppercase:   "Password must contain at least one uppercase letter",
	ViolationMissingLowercase:   "Password must contain at least one lowercase letter",
	ViolationMissingDigit:       "Password must contain at least one number",
	ViolationMissingSpecialChar: "Password must contain at least one special character",
}

// Message returns a human readable description of the violation
func (v Violation) Message() string {
	if msg, ok := violationMessages[v]; ok {
		return msg
	}
	return string(v)
}

// PasswordRule is a single predicate over a password
type PasswordRule struct {
	Violation Violation
	Satisfied func(password string) bool
}

func containsAnyRune(password string, match func(r rune) bool) bool {
	return strings.IndexFunc(password, match) >= 0
}

// DefaultPasswordRules returns the built-in rule set. Case and digit classes
// are ASCII only, so non-ASCII letters do not satisfy them.
func DefaultPasswordRules() []PasswordRule {
	return []PasswordRule{
		{
			Violation: ViolationTooShort,
			Satisfied: func(p string) bool { return utf8.RuneCountInString(p) >= MinPasswordLength },
		},
		{
			Violation: ViolationMissingUppercase,
			Satisfied: func(p string) bool { return containsAnyRune(p, func(r rune) bool { return r >= 'A' && r <= 'Z' }) },
		},
		{
			Violation: ViolationMissingLowercase,
			Satisfied: func(p string) bool { return containsAnyRune(p, func(r rune) bool { return r >= 'a' && r <= 'z' }) },
		},
		{
			Violation: ViolationMissingDigit,
			Satisfied: func(p string) bool { return containsAnyRune(p, func(r rune) bool { return r >= '0' && r <= '9' }) },
		},
		{
			Violation: ViolationMissingSpecialChar,
			Satisfied: func(p string) bool { return strings.ContainsAny(p, SpecialCharacters) },
		},
	}
}

// PasswordPolicy validates password strength against a fixed set of rules
type PasswordPolicy struct {
	rules []PasswordRule
}

// NewPasswordPolicy creates a policy with the default rules plus any extra rules
func NewPasswordPolicy(extra ...PasswordRule) *PasswordPolicy {
	return &PasswordPolicy{rules: append(DefaultPasswordRules(), extra...)}
}

// Validate runs every rule and returns all violations, in rule order.
// An empty result means the password is acceptable.
func (p *PasswordPolicy) Validate(password string) []Violation {
	var violations []Violation
	for _, rule := range p.rules {
		if !rule.Satisfied(password) {
			violations = append(violations, rule.Violation)
		}
	}
	return violations
}

// IsValid returns true if the password satisfies every rule
func (p *PasswordPolicy) IsValid(password string) bool {
	return len(p.Validate(password)) == 0
}

// PasswordHasher hashes and compares passwords
type PasswordHasher interface {
	Hash(password string) (string, error)
	// Compare returns nil when password matches hash
	Compare(hash, password string) error
}

// BcryptHasher is a PasswordHasher using bcrypt
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher creates a hasher with cost factor 12
func NewBcryptHasher() *BcryptHasher {
	return &BcryptHasher{Cost: BcryptCost}
}

// Hash creates a bcrypt hash of the password
func (h *BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = BcryptCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare compares a password with its bcrypt hash
func (h *BcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// GetBcryptCost extracts the cost factor from a bcrypt hash
func GetBcryptCost(hash string) (int, error) {
	return bcrypt.Cost([]byte(hash))
}
