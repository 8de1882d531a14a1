package engine

import (
	"regexp"
	"strings"
)

const (
	msgInvalidEmail = "Please enter a valid email address."
	msgPublicDomain = "Please enter a valid business email address (e.g., name@company.com). Public domains like Gmail are not accepted."
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// PublicDomains are mail providers not accepted as business addresses.
var PublicDomains = map[string]bool{
	"gmail.com":      true,
	"yahoo.com":      true,
	"hotmail.com":    true,
	"outlook.com":    true,
	"live.com":       true,
	"msn.com":        true,
	"icloud.com":     true,
	"aol.com":        true,
	"protonmail.com": true,
	"zoho.com":       true,
	"yandex.com":     true,
	"mail.com":       true,
	"gmx.com":        true,
}

// ValidateBusinessEmail checks the address format and rejects public mail
// domains. It returns the trimmed address.
func ValidateBusinessEmail(input string) (string, error) {
	email := strings.TrimSpace(input)
	if !emailPattern.MatchString(email) {
		return "", &InputError{Kind: InputInvalidEmail, Message: msgInvalidEmail}
	}
	domain := strings.ToLower(email[strings.LastIndex(email, "@")+1:])
	if PublicDomains[domain] {
		return "", &InputError{Kind: InputPublicDomain, Message: msgPublicDomain}
	}
	return email, nil
}

// localPart returns the part of an address before the @.
func localPart(email string) string {
	if i := strings.Index(email, "@"); i >= 0 {
		return email[:i]
	}
	return email
}
