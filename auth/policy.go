// Package auth checks keystore passwords against the local strength policy.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nbutton23/zxcvbn-go"
)

const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_{|}~`"

// ErrWeakPassword is matched by every policy violation.
var ErrWeakPassword = errors.New("password does not meet policy")

// PolicyError names the rule a password broke.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "weak password: " + e.Reason }

func (e *PolicyError) Is(target error) bool { return target == ErrWeakPassword }

func violation(format string, args ...any) error {
	return &PolicyError{Reason: fmt.Sprintf(format, args...)}
}

// ValidateOptions configures ValidateMasterPasswordAdvanced.
type ValidateOptions struct {
	MinLength      int
	RequireUpper   bool
	RequireDigit   bool
	RequireSpecial bool
	// MinZXCVBNScore is the lowest accepted zxcvbn score (0-4). Zero disables
	// the estimate.
	MinZXCVBNScore int
	// UserInputs are words the estimator should treat as guessable, such as
	// the keystore file name.
	UserInputs []string
	// Breach, when set, rejects passwords found in a breach corpus.
	Breach *BreachChecker
}

// DefaultValidateOptions is the policy applied to new passwords.
func DefaultValidateOptions() ValidateOptions {
	return ValidateOptions{
		MinLength:      12,
		RequireUpper:   true,
		RequireDigit:   true,
		RequireSpecial: true,
		MinZXCVBNScore: 3,
	}
}

// ValidateMasterPasswordAdvanced checks pw against opts. The character rules
// run first, then the zxcvbn estimate, then the optional breach lookup.
func ValidateMasterPasswordAdvanced(ctx context.Context, pw string, opts ValidateOptions) error {
	if n := utf8.RuneCountInString(pw); n < opts.MinLength {
		return violation("must be at least %d characters long", opts.MinLength)
	}
	if opts.RequireUpper && !hasUpper(pw) {
		return violation("must include an uppercase letter")
	}
	if opts.RequireDigit && !hasDigit(pw) {
		return violation("must include a digit")
	}
	if opts.RequireSpecial && !hasSpecial(pw) {
		return violation("must include a special character")
	}

	if opts.MinZXCVBNScore > 0 {
		if score := Score(pw, opts.UserInputs...); score < opts.MinZXCVBNScore {
			return violation("too guessable (strength %d of 4, need %d)", score, opts.MinZXCVBNScore)
		}
	}

	if opts.Breach != nil {
		res, err := opts.Breach.Check(ctx, pw)
		if err != nil {
			return fmt.Errorf("breach check: %w", err)
		}
		if res.Found {
			return violation("appears in %d known breaches", res.Count)
		}
	}
	return nil
}

// Score returns the zxcvbn strength estimate of pw from 0 to 4.
func Score(pw string, userInputs ...string) int {
	return zxcvbn.PasswordStrength(pw, userInputs).Score
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func hasSpecial(s string) bool {
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			return true
		}
	}
	return false
}
