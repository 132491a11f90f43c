// Package email builds campaign messages and signs them.
package email

import (
	"net/mail"
	"strings"
)

// ExtractDomain extracts the lower-cased domain part from an email address.
// Returns empty string if the address has no usable domain.
func ExtractDomain(address string) string {
	if addr, err := mail.ParseAddress(address); err == nil {
		address = addr.Address
	}
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// DomainLabel is ExtractDomain with a fallback, for metric labels.
func DomainLabel(address string) string {
	if d := ExtractDomain(address); d != "" {
		return d
	}
	return "unknown"
}

// FormatFrom renders a From header value.
func FormatFrom(address, name string) string {
	if name == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

// ValidAddress reports whether s parses as a single RFC 5322 address.
func ValidAddress(s string) bool {
	_, err := mail.ParseAddress(s)
	return err == nil
}
