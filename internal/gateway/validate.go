package gateway

import (
	"net/mail"
	"unicode"

	"github.com/iliyamo/saas-auth/internal/autherr"
)

const (
	minPasswordLen = 6
	maxPasswordLen = 72
)

func validEmail(email string) bool {
	a, err := mail.ParseAddress(email)
	return err == nil && a.Address == email
}

func validateSignIn(email, password string) *autherr.Error {
	fields := map[string][]string{}
	if !validEmail(email) {
		fields["email"] = append(fields["email"], "Please enter a valid email address")
	}
	if password == "" {
		fields["password"] = append(fields["password"], "Password is required")
	}
	if len(fields) == 0 {
		return nil
	}
	return autherr.FieldErrors(fields)
}

func validateSignUp(email, password string) *autherr.Error {
	fields := map[string][]string{}
	if !validEmail(email) {
		fields["email"] = append(fields["email"], "Please enter a valid email address")
	}
	if len(password) < minPasswordLen {
		fields["password"] = append(fields["password"], "Password must be at least 6 characters")
	}
	if len(password) > maxPasswordLen {
		fields["password"] = append(fields["password"], "Password must be less than 72 characters")
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		fields["password"] = append(fields["password"],
			"Password must contain at least one uppercase letter, one lowercase letter, and one number")
	}
	if len(fields) == 0 {
		return nil
	}
	return autherr.FieldErrors(fields)
}
