// Package email holds address helpers shared by ingestion, dispatch and reply matching.
package email

import (
	"net/mail"
	"strings"
)

// Normalize trims and lowercases an address so it can be compared and stored
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Address returns the bare, normalized address of a header value
// such as "Jane <Jane@Example.com>". Empty if it cannot be parsed.
func Address(v string) string {
	addr, err := mail.ParseAddress(v)
	if err != nil {
		return ""
	}
	return Normalize(addr.Address)
}

// ExtractDomain extracts the domain part from an email address.
// Returns empty string if the email is invalid.
func ExtractDomain(email string) string {
	addr := Address(email)
	if addr == "" {
		// Try simple extraction for malformed addresses
		addr = Normalize(email)
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return addr[at+1:]
}

// ExtractDomainOrDefault extracts the domain part from an email address.
// Returns the provided default value if the email is invalid or domain is empty.
func ExtractDomainOrDefault(email, defaultDomain string) string {
	domain := ExtractDomain(email)
	if domain == "" {
		return defaultDomain
	}
	return domain
}
